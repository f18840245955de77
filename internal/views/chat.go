package views

import (
	"sync"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/observability"
)

const viewChat = "chat"

// ChatView is one ride's conversation. The message list behind it is
// shared by the whole session: closing any chat view clears it for all of
// them.
type ChatView struct {
	store  Store
	rideID int64

	mu sync.Mutex
	lc lifecycle
}

func OpenChat(s Store, rideID int64) *ChatView {
	v := &ChatView{store: s, rideID: rideID, lc: openLifecycle(s)}
	s.JoinChat(rideID)
	observability.ViewsOpen.WithLabelValues(viewChat).Inc()
	return v
}

func (v *ChatView) RideID() int64 { return v.rideID }

// Messages returns this ride's lines in arrival order.
func (v *ChatView) Messages() []models.ChatMessage {
	all := v.store.Messages()
	out := make([]models.ChatMessage, 0, len(all))
	for _, m := range all {
		if m.RideID == v.rideID {
			out = append(out, m)
		}
	}
	return out
}

// OtherPartyTyping is true while the counterpart of this session's role is
// typing in this ride.
func (v *ChatView) OtherPartyTyping() bool {
	ind, ok := v.store.Typing()
	return ok && ind.IsTyping && ind.RideID == v.rideID &&
		ind.UserType == v.store.Role().Counterpart()
}

// UnreadCount counts lines from anyone else not yet marked read.
func (v *ChatView) UnreadCount() int {
	role := v.store.Role()
	n := 0
	for _, m := range v.Messages() {
		if !m.Read && m.SenderType != role {
			n++
		}
	}
	return n
}

func (v *ChatView) Send(text string) error {
	return v.store.SendMessage(v.rideID, text)
}

func (v *ChatView) SetTyping(isTyping bool) {
	v.store.SendTyping(v.rideID, isTyping)
}

// MarkRead marks ids as read; with no ids it marks every unread line from
// the other party.
func (v *ChatView) MarkRead(ids ...string) {
	if len(ids) == 0 {
		role := v.store.Role()
		for _, m := range v.Messages() {
			if !m.Read && m.SenderType != role {
				ids = append(ids, m.ID)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	v.store.MarkMessagesAsRead(v.rideID, ids)
}

func (v *ChatView) Changes() <-chan struct{} { return v.lc.changes }

func (v *ChatView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.lc.close() {
		return
	}
	v.store.LeaveChat(v.rideID)
	observability.ViewsOpen.WithLabelValues(viewChat).Dec()
}
