package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const goodToken = "good-token"

type received struct {
	channel ChannelName
	frame   Frame
}

// fakeServer speaks the frame protocol over websocket on /<channel>.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[ChannelName]*websocket.Conn
	reject   map[ChannelName]int
	dials    map[ChannelName]int
	ackBody  json.RawMessage
	received chan received
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		conns:    make(map[ChannelName]*websocket.Conn),
		reject:   make(map[ChannelName]int),
		dials:    make(map[ChannelName]int),
		ackBody:  json.RawMessage(`{"success":true,"history":[]}`),
		received: make(chan received, 64),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, c := range fs.conns {
			_ = c.Close()
		}
		fs.mu.Unlock()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) URL() string { return fs.srv.URL }

func (fs *fakeServer) rejectChannel(ch ChannelName, status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reject[ch] = status
}

func (fs *fakeServer) dialCount(ch ChannelName) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials[ch]
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ch := ChannelName(strings.TrimPrefix(r.URL.Path, "/"))
	fs.mu.Lock()
	fs.dials[ch]++
	status := fs.reject[ch]
	fs.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+goodToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, "rejected", status)
		return
	}
	c, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns[ch] = c
	fs.mu.Unlock()

	go func() {
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(b, &f) != nil {
				continue
			}
			if f.Ack != 0 {
				fs.mu.Lock()
				body := fs.ackBody
				fs.mu.Unlock()
				reply, _ := json.Marshal(Frame{Event: ackEvent, Ack: f.Ack, Data: body})
				fs.mu.Lock()
				_ = c.WriteMessage(websocket.TextMessage, reply)
				fs.mu.Unlock()
			}
			fs.received <- received{channel: ch, frame: f}
		}
	}()
}

// push sends an event frame to the client on ch.
func (fs *fakeServer) push(ch ChannelName, event string, data any) {
	fs.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(fs.t, err)
	b, err := json.Marshal(Frame{Event: event, Data: raw})
	require.NoError(fs.t, err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.conns[ch]
	require.True(fs.t, ok, "no connection on %s", ch)
	require.NoError(fs.t, c.WriteMessage(websocket.TextMessage, b))
}

// drop closes the server side of ch abruptly.
func (fs *fakeServer) drop(ch ChannelName) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if c, ok := fs.conns[ch]; ok {
		_ = c.Close()
		delete(fs.conns, ch)
	}
}

func (fs *fakeServer) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-fs.received:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return received{}
	}
}

// recorder collects dispatched events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(match func(Event) bool) int {
	n := 0
	for _, ev := range r.all() {
		if match(ev) {
			n++
		}
	}
	return n
}
