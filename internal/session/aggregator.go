// Package session is the single owner of live ride, location and chat state
// for an authenticated session. It turns channel events into state and
// exposes the actions that talk back upstream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-live/internal/logging"
	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/observability"
	"github.com/example/ride-live/internal/realtime"
)

var ErrEmptyMessage = errors.New("chat message is empty")

const (
	DefaultChatHistoryLimit = 500
	DefaultTypingTimeout    = 3 * time.Second
	DefaultOutboxLimit      = 100
	DefaultSinkTimeout      = 2 * time.Second
)

// Transport is the channel set the aggregator drives. *realtime.Connector
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Subscribe(fn func(realtime.Event)) (unsubscribe func())
	Emit(ch realtime.ChannelName, event string, payload any) error
	EmitWithAck(ch realtime.ChannelName, event string, payload any, ack realtime.AckFunc) error
}

// EventSink receives every event after it has been applied to state.
type EventSink interface {
	Observe(ctx context.Context, ev realtime.Event) error
}

type Config struct {
	// Role is who this session speaks as in chat; defaults to rider.
	Role             models.SenderType
	ChatHistoryLimit int
	TypingTimeout    time.Duration
	OutboxLimit      int
	SinkTimeout      time.Duration
	SinkQueue        int
	Clock            clockwork.Clock
	Logger           *slog.Logger
	Sinks            map[string]EventSink
}

// Aggregator holds the shared state every view reads. Channel listeners may
// run concurrently, so all state sits behind mu; emits are always made with
// mu released.
type Aggregator struct {
	transport Transport
	role      models.SenderType
	typingTTL time.Duration
	sinkTTL   time.Duration
	sinkSize  int
	clock     clockwork.Clock
	logger    *slog.Logger
	sinks     map[string]EventSink

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	sinkQ       *sinkQueue
	channels    map[realtime.ChannelName]bool

	current     *models.RideUpdate
	rides       map[int64]models.RideUpdate
	location    *models.DriverLocation
	locations   map[int64]models.DriverLocation
	chat        *chatLog
	typing      *models.TypingIndicator
	typingGen   uint64
	typingTimer clockwork.Timer

	rideSubs     map[int64]struct{}
	locationSubs map[int64]struct{}
	rooms        map[int64]struct{}
	outbox       *outbox
	flushing     bool

	wmu      sync.Mutex
	watchers map[uint64]chan struct{}
	nextWID  uint64
}

func New(t Transport, cfg Config) *Aggregator {
	if cfg.Role == "" {
		cfg.Role = models.SenderRider
	}
	if cfg.ChatHistoryLimit <= 0 {
		cfg.ChatHistoryLimit = DefaultChatHistoryLimit
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = DefaultOutboxLimit
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = DefaultSinkQueue
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Aggregator{
		transport:    t,
		role:         cfg.Role,
		typingTTL:    cfg.TypingTimeout,
		sinkTTL:      cfg.SinkTimeout,
		sinkSize:     cfg.SinkQueue,
		clock:        cfg.Clock,
		logger:       logging.OrDiscard(cfg.Logger).With("component", "session"),
		sinks:        cfg.Sinks,
		channels:     make(map[realtime.ChannelName]bool),
		rides:        make(map[int64]models.RideUpdate),
		locations:    make(map[int64]models.DriverLocation),
		chat:         newChatLog(cfg.ChatHistoryLimit),
		rideSubs:     make(map[int64]struct{}),
		locationSubs: make(map[int64]struct{}),
		rooms:        make(map[int64]struct{}),
		outbox:       newOutbox(cfg.OutboxLimit),
		watchers:     make(map[uint64]chan struct{}),
	}
}

// Start attaches to the transport and connects it. It is called once the
// session is authenticated; calling it again is a no-op.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	if len(a.sinks) > 0 {
		a.sinkQ = startSinkQueue(a.sinks, a.sinkSize, a.sinkTTL, a.logger)
	}
	a.mu.Unlock()

	unsub := a.transport.Subscribe(a.handle)
	a.mu.Lock()
	a.unsubscribe = unsub
	a.mu.Unlock()

	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}
	return nil
}

// Stop detaches from and disconnects the transport. Subscriptions, joined
// rooms, queued messages and the typing indicator are forgotten; the last
// known ride data is kept for display.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	unsub := a.unsubscribe
	a.unsubscribe = nil
	q := a.sinkQ
	a.sinkQ = nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	a.transport.Disconnect()
	if q != nil {
		q.stop()
	}

	a.mu.Lock()
	clear(a.channels)
	clear(a.rideSubs)
	clear(a.locationSubs)
	clear(a.rooms)
	a.outbox.reset()
	a.clearTypingLocked()
	observability.OutboxDepth.Set(0)
	a.mu.Unlock()
	a.notify()
}

// Reconnect drops and re-opens every channel with a freshly read token.
func (a *Aggregator) Reconnect(ctx context.Context) error {
	return a.transport.Reconnect(ctx)
}

// IsConnected reports whether at least one channel has reported connect
// since its last disconnect.
func (a *Aggregator) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, up := range a.channels {
		if up {
			return true
		}
	}
	return false
}

func (a *Aggregator) Role() models.SenderType { return a.role }

func (a *Aggregator) Now() time.Time { return a.clock.Now() }

// CurrentRide is the most recently received ride update, whatever ride it
// was for.
func (a *Aggregator) CurrentRide() (models.RideUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return models.RideUpdate{}, false
	}
	return *a.current, true
}

// Ride is the most recent update for rideID.
func (a *Aggregator) Ride(rideID int64) (models.RideUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.rides[rideID]
	return u, ok
}

func (a *Aggregator) CurrentLocation() (models.DriverLocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.location == nil {
		return models.DriverLocation{}, false
	}
	return *a.location, true
}

func (a *Aggregator) Location(rideID int64) (models.DriverLocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locations[rideID]
	return l, ok
}

// Messages returns the shared chat list, oldest first.
func (a *Aggregator) Messages() []models.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chat.snapshot()
}

func (a *Aggregator) Typing() (models.TypingIndicator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typing == nil {
		return models.TypingIndicator{}, false
	}
	return *a.typing, true
}

// Watch returns a channel that receives a value after state changes.
// Notifications coalesce: a slow reader sees one pending signal, not one per
// change.
func (a *Aggregator) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	a.wmu.Lock()
	a.nextWID++
	id := a.nextWID
	a.watchers[id] = ch
	a.wmu.Unlock()
	return ch, func() {
		a.wmu.Lock()
		delete(a.watchers, id)
		a.wmu.Unlock()
	}
}

func (a *Aggregator) notify() {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	for _, ch := range a.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (a *Aggregator) handle(ev realtime.Event) {
	changed, replay := a.apply(ev)
	if changed {
		a.notify()
	}
	if replay != "" {
		a.replay(replay)
	}
	a.mu.Lock()
	q := a.sinkQ
	a.mu.Unlock()
	if q != nil {
		q.enqueue(ev)
	}
}

// apply folds ev into state. It reports whether watchers should be told and
// which channel, if any, just came up and needs its subscriptions replayed.
func (a *Aggregator) apply(ev realtime.Event) (changed bool, replay realtime.ChannelName) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e := ev.(type) {
	case realtime.RideUpdated:
		a.setRideLocked(e.Update)
	case realtime.DriverAccepted:
		driverID := e.DriverID
		a.setRideLocked(models.RideUpdate{
			RideID:           e.RideID,
			Status:           models.StatusAccepted,
			DriverID:         &driverID,
			EstimatedArrival: e.EstimatedArrival,
		})
	case realtime.DriverArrived:
		a.setRideLocked(models.RideUpdate{RideID: e.RideID, Status: models.StatusArrived})
	case realtime.RideStarted:
		a.setRideLocked(models.RideUpdate{RideID: e.RideID, Status: models.StatusInProgress})
	case realtime.RideCompleted:
		a.setRideLocked(models.RideUpdate{
			RideID:   e.RideID,
			Status:   models.StatusCompleted,
			Fare:     e.Fare,
			Distance: e.Distance,
			Duration: e.Duration,
		})
	case realtime.RideCancelled:
		a.setRideLocked(models.RideUpdate{RideID: e.RideID, Status: models.StatusCancelled})
	case realtime.DriverLocationUpdated:
		loc := e.Location
		a.location = &loc
		a.locations[loc.RideID] = loc
	case realtime.ChatMessageReceived:
		a.chat.append(e.Message)
		observability.ChatBuffered.Set(float64(a.chat.len()))
	case realtime.TypingChanged:
		a.setTypingLocked(e.Indicator)
	case realtime.MessagesRead:
		return a.chat.markRead(e.MessageIDs), ""
	case realtime.Connected:
		a.channels[e.Channel] = true
		return true, e.Channel
	case realtime.Disconnected:
		a.channels[e.Channel] = false
	case realtime.ConnectError, realtime.ReconnectFailed:
		// logged by the channel; recovery is the channel's job
		return false, ""
	default:
		a.logger.Warn("unhandled realtime event", "event", ev.Name())
		return false, ""
	}
	return true, ""
}

func (a *Aggregator) setRideLocked(u models.RideUpdate) {
	a.current = &u
	a.rides[u.RideID] = u
}

// setTypingLocked replaces the indicator and restarts the single expiry
// timer. The generation check keeps a timer that lost the race with Stop
// from clearing a newer indicator.
func (a *Aggregator) setTypingLocked(ind models.TypingIndicator) {
	a.typing = &ind
	a.typingGen++
	gen := a.typingGen
	if a.typingTimer != nil {
		a.typingTimer.Stop()
	}
	a.typingTimer = a.clock.AfterFunc(a.typingTTL, func() {
		a.mu.Lock()
		if a.typingGen != gen {
			a.mu.Unlock()
			return
		}
		a.typing = nil
		a.typingTimer = nil
		a.mu.Unlock()
		a.notify()
	})
}

func (a *Aggregator) clearTypingLocked() {
	if a.typingTimer != nil {
		a.typingTimer.Stop()
		a.typingTimer = nil
	}
	a.typingGen++
	a.typing = nil
}

// replay re-sends what the server forgot when ch dropped: ride and location
// subscriptions, chat rooms, then any chat messages queued while down.
func (a *Aggregator) replay(ch realtime.ChannelName) {
	a.mu.Lock()
	var ids []int64
	switch ch {
	case realtime.RideChannel:
		ids = keys(a.rideSubs)
	case realtime.LocationChannel:
		ids = keys(a.locationSubs)
	case realtime.ChatChannel:
		ids = keys(a.rooms)
	}
	a.mu.Unlock()

	for _, id := range ids {
		switch ch {
		case realtime.RideChannel:
			a.emit(ch, realtime.EmitSubscribeRide, rideRef{RideID: id})
		case realtime.LocationChannel:
			a.emit(ch, realtime.EmitSubscribeLocation, rideRef{RideID: id})
		case realtime.ChatChannel:
			a.join(id)
		}
	}
	if len(ids) > 0 {
		a.logger.Info("replayed subscriptions", "channel", string(ch), "count", len(ids))
	}
	if ch == realtime.ChatChannel {
		a.flushOutbox()
	}
}

// flushOutbox sends queued chat emits in sequence order. Only one flush runs
// at a time; it keeps draining until the outbox stays empty, so emits queued
// while it runs go out behind the ones already in flight.
func (a *Aggregator) flushOutbox() {
	a.mu.Lock()
	if a.flushing {
		a.mu.Unlock()
		return
	}
	a.flushing = true
	sent := 0
	for {
		items := a.outbox.drain()
		if len(items) == 0 {
			break
		}
		a.mu.Unlock()
		for i, p := range items {
			if err := a.transport.Emit(realtime.ChatChannel, p.Event, p.Payload); err != nil {
				a.mu.Lock()
				dropped := a.outbox.restore(items[i:])
				a.flushing = false
				observability.OutboxDepth.Set(float64(a.outbox.len()))
				a.mu.Unlock()
				a.countDropped(p.Event, dropped)
				a.logger.Warn("outbox flush interrupted", "remaining", len(items)-i, "error", err)
				return
			}
			sent++
		}
		a.mu.Lock()
	}
	a.flushing = false
	observability.OutboxDepth.Set(0)
	a.mu.Unlock()
	if sent > 0 {
		a.logger.Info("flushed outbox", "count", sent)
	}
}

type rideRef struct {
	RideID int64 `json:"rideId"`
}

type chatPayload struct {
	RideID     int64             `json:"rideId"`
	Message    string            `json:"message"`
	SenderType models.SenderType `json:"senderType"`
	ClientSeq  uint64            `json:"clientSeq"`
}

type typingPayload struct {
	RideID   int64             `json:"rideId"`
	IsTyping bool              `json:"isTyping"`
	UserType models.SenderType `json:"userType"`
}

type markReadPayload struct {
	RideID     int64    `json:"rideId"`
	MessageIDs []string `json:"messageIds"`
}

type joinAck struct {
	Success bool                 `json:"success"`
	History []models.ChatMessage `json:"history"`
}

func (a *Aggregator) SubscribeToRide(rideID int64) {
	a.track(a.rideSubs, rideID, true)
	a.emit(realtime.RideChannel, realtime.EmitSubscribeRide, rideRef{RideID: rideID})
}

func (a *Aggregator) UnsubscribeFromRide(rideID int64) {
	a.track(a.rideSubs, rideID, false)
	a.emit(realtime.RideChannel, realtime.EmitUnsubscribeRide, rideRef{RideID: rideID})
}

func (a *Aggregator) SubscribeToLocation(rideID int64) {
	a.track(a.locationSubs, rideID, true)
	a.emit(realtime.LocationChannel, realtime.EmitSubscribeLocation, rideRef{RideID: rideID})
}

func (a *Aggregator) UnsubscribeFromLocation(rideID int64) {
	a.track(a.locationSubs, rideID, false)
	a.emit(realtime.LocationChannel, realtime.EmitUnsubscribeLocation, rideRef{RideID: rideID})
}

// JoinChat joins the ride's chat room. A successful acknowledgment replaces
// the whole local message list with the server's history.
func (a *Aggregator) JoinChat(rideID int64) {
	a.track(a.rooms, rideID, true)
	a.join(rideID)
}

// LeaveChat leaves the room and clears the message list. The list is
// shared, so every other chat view loses its lines too.
func (a *Aggregator) LeaveChat(rideID int64) {
	a.track(a.rooms, rideID, false)
	a.emit(realtime.ChatChannel, realtime.EmitChatLeave, rideRef{RideID: rideID})
	a.mu.Lock()
	a.chat.reset()
	observability.ChatBuffered.Set(0)
	a.mu.Unlock()
	a.notify()
}

// SendMessage sends text as this session's role. The line shows up locally
// only when the server echoes it back. While the chat channel is down the
// message waits in the outbox.
func (a *Aggregator) SendMessage(rideID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	a.mu.Lock()
	seq := a.outbox.next()
	a.mu.Unlock()
	a.emitOrQueue(seq, realtime.EmitChatMessage, chatPayload{
		RideID:     rideID,
		Message:    text,
		SenderType: a.role,
		ClientSeq:  seq,
	})
	return nil
}

// SendTyping is best effort; it is dropped while the chat channel is down.
func (a *Aggregator) SendTyping(rideID int64, isTyping bool) {
	err := a.transport.Emit(realtime.ChatChannel, realtime.EmitChatTyping, typingPayload{
		RideID:   rideID,
		IsTyping: isTyping,
		UserType: a.role,
	})
	if err != nil {
		observability.EmitsTotal.WithLabelValues(string(realtime.ChatChannel), realtime.EmitChatTyping, observability.EmitDropped).Inc()
		a.logger.Debug("typing indicator dropped", "ride_id", rideID, "error", err)
	}
}

func (a *Aggregator) MarkMessagesAsRead(rideID int64, ids []string) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	seq := a.outbox.next()
	a.mu.Unlock()
	a.emitOrQueue(seq, realtime.EmitChatMarkRead, markReadPayload{RideID: rideID, MessageIDs: ids})
}

func (a *Aggregator) join(rideID int64) {
	err := a.transport.EmitWithAck(realtime.ChatChannel, realtime.EmitChatJoin, rideRef{RideID: rideID}, func(data json.RawMessage) {
		var ack joinAck
		if err := json.Unmarshal(data, &ack); err != nil || !ack.Success {
			a.logger.Debug("chat join not acknowledged", "ride_id", rideID, "error", err)
			return
		}
		a.mu.Lock()
		a.chat.replace(ack.History)
		observability.ChatBuffered.Set(float64(a.chat.len()))
		a.mu.Unlock()
		a.notify()
	})
	if err != nil {
		a.logger.Debug("chat join deferred until reconnect", "ride_id", rideID, "error", err)
	}
}

// emitOrQueue sends directly only when nothing is waiting ahead of it.
// Anything queued is flushed straight away if the chat channel came up
// while the emit was failing.
func (a *Aggregator) emitOrQueue(seq uint64, event string, payload any) {
	a.mu.Lock()
	backlog := a.flushing || a.outbox.len() > 0
	a.mu.Unlock()
	var err error
	if !backlog {
		if err = a.transport.Emit(realtime.ChatChannel, event, payload); err == nil {
			return
		}
	}
	a.mu.Lock()
	dropped := a.outbox.push(pending{Seq: seq, Event: event, Payload: payload})
	depth := a.outbox.len()
	up := a.channels[realtime.ChatChannel]
	a.mu.Unlock()
	observability.OutboxDepth.Set(float64(depth))
	observability.EmitsTotal.WithLabelValues(string(realtime.ChatChannel), event, observability.EmitQueued).Inc()
	a.countDropped(event, dropped)
	a.logger.Info("chat emit queued", "event", event, "seq", seq, "depth", depth, "backlog", backlog, "error", err)
	if up {
		a.flushOutbox()
	}
}

func (a *Aggregator) countDropped(event string, n int) {
	if n == 0 {
		return
	}
	observability.EmitsTotal.WithLabelValues(string(realtime.ChatChannel), event, observability.EmitDropped).Add(float64(n))
	a.logger.Warn("outbox full, dropped oldest messages", "dropped", n)
}

func (a *Aggregator) emit(ch realtime.ChannelName, event string, payload any) {
	if err := a.transport.Emit(ch, event, payload); err != nil {
		a.logger.Debug("emit deferred until reconnect", "channel", string(ch), "event", event, "error", err)
	}
}

func (a *Aggregator) track(set map[int64]struct{}, rideID int64, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		set[rideID] = struct{}{}
	} else {
		delete(set, rideID)
	}
}

// OutboxDepth is the number of chat emits waiting for the chat channel.
func (a *Aggregator) OutboxDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outbox.len()
}

// pendingMessages returns queued emits oldest first.
func (a *Aggregator) pendingMessages() []pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pending(nil), a.outbox.items...)
}

func keys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
