package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-live/internal/credential"
)

func testOptions() Options {
	o := DefaultOptions()
	o.ReconnectionDelay = 10 * time.Millisecond
	o.HandshakeTimeout = time.Second
	o.PollTimeout = 2 * time.Second
	o.Transports = []string{TransportWebsocket}
	return o
}

func newTestConnector(t *testing.T, url string, creds credential.Source, opts Options) (*Connector, *recorder) {
	t.Helper()
	c := NewConnector(Config{BaseURL: url, Options: opts, Credentials: creds})
	rec := &recorder{}
	c.Subscribe(rec.add)
	t.Cleanup(c.Disconnect)
	return c, rec
}

type countingSource struct {
	calls atomic.Int32
	token string
}

func (s *countingSource) Token(context.Context) (string, error) {
	s.calls.Add(1)
	return s.token, nil
}

func TestConnectOpensAllChannels(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := newTestConnector(t, fs.URL(), credential.Static(goodToken), testOptions())

	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, c.IsConnected())
	for _, name := range ChannelNames {
		ch := c.Channel(name)
		require.NotNil(t, ch, name)
		assert.True(t, ch.Connected(), name)
		assert.Equal(t, TransportWebsocket, ch.Transport())
	}
	assert.Equal(t, 3, rec.count(func(ev Event) bool { _, ok := ev.(Connected); return ok }))
	assert.Same(t, c.Ride(), c.Channel(RideChannel))
	assert.Same(t, c.Location(), c.Channel(LocationChannel))
	assert.Same(t, c.Chat(), c.Channel(ChatChannel))
}

func TestIsConnectedWithOnlyRideChannel(t *testing.T) {
	fs := newFakeServer(t)
	fs.rejectChannel(LocationChannel, http.StatusServiceUnavailable)
	fs.rejectChannel(ChatChannel, http.StatusServiceUnavailable)
	opts := testOptions()
	opts.Reconnection = false
	c, _ := newTestConnector(t, fs.URL(), credential.Static(goodToken), opts)

	require.NoError(t, c.Connect(context.Background()))

	assert.True(t, c.Ride().Connected())
	assert.False(t, c.Location().Connected())
	assert.False(t, c.Chat().Connected())
	assert.True(t, c.IsConnected())
}

func TestConnectWithoutCredentialIsSilentNoop(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := newTestConnector(t, fs.URL(), credential.Static(""), testOptions())

	require.NoError(t, c.Connect(context.Background()))

	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Ride())
	assert.Empty(t, rec.all())
	assert.Zero(t, fs.dialCount(RideChannel))
	assert.ErrorIs(t, c.Emit(RideChannel, EmitSubscribeRide, map[string]int{"rideId": 1}), ErrNotConnected)
}

func TestConnectWithExpiredTokenIsSilentNoop(t *testing.T) {
	fs := newFakeServer(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	c, _ := newTestConnector(t, fs.URL(), credential.Static(expired), testOptions())

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
	assert.Zero(t, fs.dialCount(ChatChannel))
}

func TestInboundEventsAreDecodedAndDispatched(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := newTestConnector(t, fs.URL(), credential.Static(goodToken), testOptions())
	require.NoError(t, c.Connect(context.Background()))

	fs.push(RideChannel, EventDriverAccepted, map[string]any{"rideId": 42, "driverId": 7, "estimatedArrival": 300})
	fs.push(LocationChannel, EventDriverLocation, map[string]any{
		"driverId": 7, "rideId": 42,
		"location": map[string]any{"latitude": 1.5, "longitude": 2.5, "timestamp": 1000},
	})
	fs.push(RideChannel, "ride:bogus", map[string]any{"rideId": 42})

	require.Eventually(t, func() bool {
		return rec.count(func(ev Event) bool { _, ok := RideIDOf(ev); return ok }) == 2
	}, 2*time.Second, 5*time.Millisecond)

	var accepted DriverAccepted
	var loc DriverLocationUpdated
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case DriverAccepted:
			accepted = e
		case DriverLocationUpdated:
			loc = e
		}
	}
	assert.Equal(t, int64(42), accepted.RideID)
	assert.Equal(t, int64(7), accepted.DriverID)
	require.NotNil(t, accepted.EstimatedArrival)
	assert.Equal(t, 300.0, *accepted.EstimatedArrival)
	assert.Equal(t, 1.5, loc.Location.Location.Latitude)
	assert.Equal(t, int64(1000), loc.Location.Location.Timestamp)
}

func TestEmitAndAck(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestConnector(t, fs.URL(), credential.Static(goodToken), testOptions())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Emit(RideChannel, EmitSubscribeRide, map[string]int64{"rideId": 42}))
	got := fs.next(t)
	assert.Equal(t, RideChannel, got.channel)
	assert.Equal(t, EmitSubscribeRide, got.frame.Event)
	assert.JSONEq(t, `{"rideId":42}`, string(got.frame.Data))
	assert.Zero(t, got.frame.Ack)

	acked := make(chan json.RawMessage, 1)
	require.NoError(t, c.EmitWithAck(ChatChannel, EmitChatJoin, map[string]int64{"rideId": 42}, func(d json.RawMessage) {
		acked <- d
	}))
	got = fs.next(t)
	assert.Equal(t, EmitChatJoin, got.frame.Event)
	assert.NotZero(t, got.frame.Ack)

	select {
	case d := <-acked:
		assert.JSONEq(t, `{"success":true,"history":[]}`, string(d))
	case <-time.After(2 * time.Second):
		t.Fatal("ack not delivered")
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := newTestConnector(t, fs.URL(), credential.Static(goodToken), testOptions())
	require.NoError(t, c.Connect(context.Background()))

	fs.drop(RideChannel)

	isRide := func(ev Event) bool { return ev.Source() == RideChannel }
	require.Eventually(t, func() bool {
		return rec.count(func(ev Event) bool { _, ok := ev.(Connected); return ok && isRide(ev) }) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(func(ev Event) bool { _, ok := ev.(Disconnected); return ok && isRide(ev) }))
	assert.True(t, c.Ride().Connected())
}

func TestChannelGivesUpAfterBoundedAttempts(t *testing.T) {
	fs := newFakeServer(t)
	for _, name := range ChannelNames {
		fs.rejectChannel(name, http.StatusServiceUnavailable)
	}
	opts := testOptions()
	opts.ReconnectionAttempts = 2
	opts.ReconnectionDelay = 5 * time.Millisecond
	c, rec := newTestConnector(t, fs.URL(), credential.Static(goodToken), opts)

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())

	var failed ReconnectFailed
	require.Eventually(t, func() bool {
		for _, ev := range rec.all() {
			if f, ok := ev.(ReconnectFailed); ok && f.Channel == RideChannel {
				failed = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, 3, rec.count(func(ev Event) bool {
		e, ok := ev.(ConnectError)
		return ok && e.Channel == RideChannel
	}))
	// no further dials once given up
	dials := fs.dialCount(RideChannel)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, fs.dialCount(RideChannel))
}

func TestDroppedChannelWithoutRetriesReportsGivingUp(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"zero attempts":    func(o *Options) { o.ReconnectionAttempts = 0 },
		"reconnection off": func(o *Options) { o.Reconnection = false },
	} {
		t.Run(name, func(t *testing.T) {
			fs := newFakeServer(t)
			opts := testOptions()
			mutate(&opts)
			c, rec := newTestConnector(t, fs.URL(), credential.Static(goodToken), opts)
			require.NoError(t, c.Connect(context.Background()))

			fs.drop(RideChannel)

			var failed ReconnectFailed
			require.Eventually(t, func() bool {
				for _, ev := range rec.all() {
					if f, ok := ev.(ReconnectFailed); ok && f.Channel == RideChannel {
						failed = f
						return true
					}
				}
				return false
			}, 2*time.Second, 5*time.Millisecond)
			assert.Zero(t, failed.Attempts)
			assert.Equal(t, 1, fs.dialCount(RideChannel))
			assert.False(t, c.Ride().Connected())
		})
	}
}

func TestDisconnectIsIdempotentAndReconnectRereadsToken(t *testing.T) {
	fs := newFakeServer(t)
	src := &countingSource{token: goodToken}
	c, rec := newTestConnector(t, fs.URL(), src, testOptions())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(2), src.calls.Load())

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Chat())
	assert.Equal(t, 3, rec.count(func(ev Event) bool { _, ok := ev.(Disconnected); return ok }))

	require.NoError(t, c.Reconnect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestPollingFallback(t *testing.T) {
	var (
		mu     sync.Mutex
		polls  int
		emits  []Frame
		authOK = true
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/ride", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r) // no websocket endpoint
	})
	mux.HandleFunc("/ride/poll", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		authOK = authOK && r.Header.Get("Authorization") == "Bearer "+goodToken && r.URL.Query().Get("sid") != ""
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"event":"ride:started","data":{"rideId":9}}]`))
			return
		}
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ride/emit", func(w http.ResponseWriter, r *http.Request) {
		var f Frame
		_ = json.NewDecoder(r.Body).Decode(&f)
		mu.Lock()
		emits = append(emits, f)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.Transports = []string{TransportWebsocket, TransportPolling}
	opts.Reconnection = false
	c, rec := newTestConnector(t, srv.URL, credential.Static(goodToken), opts)
	require.NoError(t, c.Connect(context.Background()))

	require.True(t, c.Ride().Connected())
	assert.Equal(t, TransportPolling, c.Ride().Transport())
	require.Eventually(t, func() bool {
		return rec.count(func(ev Event) bool { e, ok := ev.(RideStarted); return ok && e.RideID == 9 }) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Emit(RideChannel, EmitSubscribeRide, map[string]int64{"rideId": 9}))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, emits, 1)
	assert.Equal(t, EmitSubscribeRide, emits[0].Event)
	assert.True(t, authOK)
}

func TestURLRewrites(t *testing.T) {
	u, err := websocketURL("https://api.example.com/realtime/ride")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/realtime/ride", u)

	u, err = httpURL("ws://localhost:8080/chat/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/chat", u)

	_, err = websocketURL("ftp://x")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported scheme"))
}
