package session

import "github.com/example/ride-live/internal/models"

// chatLog is a fixed-capacity ring of chat lines in arrival order. When
// full, appending overwrites the oldest line.
type chatLog struct {
	buf   []models.ChatMessage
	start int
	n     int
}

func newChatLog(limit int) *chatLog {
	if limit <= 0 {
		limit = 1
	}
	return &chatLog{buf: make([]models.ChatMessage, limit)}
}

func (l *chatLog) len() int { return l.n }

func (l *chatLog) append(m models.ChatMessage) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = m
		l.n++
		return
	}
	l.buf[l.start] = m
	l.start = (l.start + 1) % len(l.buf)
}

// replace overwrites the log with msgs, keeping the newest lines when msgs
// exceeds the capacity.
func (l *chatLog) replace(msgs []models.ChatMessage) {
	l.reset()
	if over := len(msgs) - len(l.buf); over > 0 {
		msgs = msgs[over:]
	}
	for _, m := range msgs {
		l.append(m)
	}
}

func (l *chatLog) reset() {
	clear(l.buf)
	l.start, l.n = 0, 0
}

// markRead flags every line whose id is in ids and reports whether any
// line changed.
func (l *chatLog) markRead(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	changed := false
	for i := 0; i < l.n; i++ {
		m := &l.buf[(l.start+i)%len(l.buf)]
		if _, ok := want[m.ID]; ok && !m.Read {
			m.Read = true
			changed = true
		}
	}
	return changed
}

func (l *chatLog) snapshot() []models.ChatMessage {
	out := make([]models.ChatMessage, l.n)
	for i := 0; i < l.n; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}
