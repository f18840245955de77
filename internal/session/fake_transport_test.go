package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-live/internal/realtime"
)

type emitted struct {
	channel realtime.ChannelName
	event   string
	payload any
	ack     realtime.AckFunc
}

func (e emitted) json(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(e.payload)
	require.NoError(t, err)
	return string(b)
}

// fakeTransport records emits and lets tests drive channel events.
type fakeTransport struct {
	mu            sync.Mutex
	up            map[realtime.ChannelName]bool
	emits         []emitted
	listeners     map[int]func(realtime.Event)
	nextID        int
	connects      int
	disconnects   int
	reconnects    int
	connectOnDial bool
	reconnectErr  error
	// onEmitFail runs, without the lock, after an emit fails.
	onEmitFail func(event string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		up:        make(map[realtime.ChannelName]bool),
		listeners: make(map[int]func(realtime.Event)),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	dial := f.connectOnDial
	f.mu.Unlock()
	if dial {
		for _, ch := range realtime.ChannelNames {
			f.bringUp(ch)
		}
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	var down []realtime.ChannelName
	for ch, up := range f.up {
		if up {
			down = append(down, ch)
		}
		f.up[ch] = false
	}
	f.mu.Unlock()
	for _, ch := range down {
		f.fire(realtime.Disconnected{Channel: ch, Reason: "client disconnect"})
	}
}

func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	err := f.reconnectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.Disconnect()
	return f.Connect(ctx)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, up := range f.up {
		if up {
			return true
		}
	}
	return false
}

func (f *fakeTransport) Subscribe(fn func(realtime.Event)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Emit(ch realtime.ChannelName, event string, payload any) error {
	return f.EmitWithAck(ch, event, payload, nil)
}

func (f *fakeTransport) EmitWithAck(ch realtime.ChannelName, event string, payload any, ack realtime.AckFunc) error {
	f.mu.Lock()
	if !f.up[ch] {
		hook := f.onEmitFail
		f.mu.Unlock()
		if hook != nil {
			hook(event)
		}
		return realtime.ErrNotConnected
	}
	f.emits = append(f.emits, emitted{channel: ch, event: event, payload: payload, ack: ack})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fire(ev realtime.Event) {
	f.mu.Lock()
	fns := make([]func(realtime.Event), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeTransport) bringUp(ch realtime.ChannelName) {
	f.mu.Lock()
	f.up[ch] = true
	f.mu.Unlock()
	f.fire(realtime.Connected{Channel: ch, Transport: realtime.TransportWebsocket})
}

func (f *fakeTransport) drop(ch realtime.ChannelName) {
	f.mu.Lock()
	f.up[ch] = false
	f.mu.Unlock()
	f.fire(realtime.Disconnected{Channel: ch, Reason: "transport close"})
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) sentEvents() []string {
	var out []string
	for _, e := range f.sent() {
		out = append(out, e.event)
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.emits = nil
	f.mu.Unlock()
}

// lastAck returns the ack callback of the most recent emit of event.
func (f *fakeTransport) lastAck(t *testing.T, event string) realtime.AckFunc {
	t.Helper()
	sent := f.sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].event == event && sent[i].ack != nil {
			return sent[i].ack
		}
	}
	t.Fatalf("no %s emit with ack", event)
	return nil
}
