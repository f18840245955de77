package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-live/internal/observability"
)

// Options configures every channel the connector opens.
type Options struct {
	// Transports in order of preference.
	Transports           []string
	Reconnection         bool
	ReconnectionDelay    time.Duration
	ReconnectionAttempts int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	PollTimeout          time.Duration
}

// DefaultOptions mirrors the mobile client: websocket first with polling
// fallback, reconnect every second, at most five times.
func DefaultOptions() Options {
	return Options{
		Transports:           []string{TransportWebsocket, TransportPolling},
		Reconnection:         true,
		ReconnectionDelay:    time.Second,
		ReconnectionAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PollTimeout:          30 * time.Second,
	}
}

// Channel is one authenticated logical stream. It owns its connection,
// reconnects on loss per Options, and hands every decoded event to
// dispatch from a single goroutine, so events of one channel are delivered
// in arrival order.
type Channel struct {
	name     ChannelName
	url      string
	token    string
	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	dispatch func(Event)

	connected atomic.Bool

	mu        sync.Mutex
	conn      conn
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
	ackSeq    uint64
	acks      map[uint64]AckFunc
	transport string
}

func newChannel(name ChannelName, baseURL, token string, opts Options, clock clockwork.Clock, logger *slog.Logger, dispatch func(Event)) *Channel {
	return &Channel{
		name:     name,
		url:      strings.TrimRight(baseURL, "/") + "/" + string(name),
		token:    token,
		opts:     opts,
		clock:    clock,
		logger:   logger.With("channel", string(name)),
		dispatch: dispatch,
		acks:     make(map[uint64]AckFunc),
		done:     make(chan struct{}),
	}
}

func (c *Channel) Name() ChannelName { return c.name }

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Transport returns the transport of the live connection, or "".
func (c *Channel) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Emit sends a fire-and-forget message.
func (c *Channel) Emit(event string, payload any) error {
	return c.send(event, payload, nil)
}

// EmitWithAck sends a message and calls ack with the server's answer. The
// callback is dropped if the connection goes away first.
func (c *Channel) EmitWithAck(event string, payload any, ack AckFunc) error {
	return c.send(event, payload, ack)
}

func (c *Channel) send(event string, payload any, ack AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	f := Frame{Event: event, Data: data}

	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		observability.EmitsTotal.WithLabelValues(string(c.name), event, observability.EmitFailed).Inc()
		return ErrNotConnected
	}
	if ack != nil {
		c.ackSeq++
		f.Ack = c.ackSeq
		c.acks[f.Ack] = ack
	}
	c.mu.Unlock()

	if err := cn.Write(f); err != nil {
		if f.Ack != 0 {
			c.mu.Lock()
			delete(c.acks, f.Ack)
			c.mu.Unlock()
		}
		observability.EmitsTotal.WithLabelValues(string(c.name), event, observability.EmitFailed).Inc()
		return fmt.Errorf("emit %s on %s: %w", event, c.name, err)
	}
	observability.EmitsTotal.WithLabelValues(string(c.name), event, observability.EmitSent).Inc()
	return nil
}

// start launches the connection loop and waits until the first dial has
// either connected or failed, or until ctx ends. The loop itself outlives
// ctx; only close stops it.
func (c *Channel) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, ready)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run(ctx context.Context, ready chan struct{}) {
	defer close(c.done)
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }
	defer signal()

	reconnects := 0
	for {
		cn, err := c.dial(ctx)
		switch {
		case err == nil:
			reconnects = 0
			if !c.attach(cn) {
				return
			}
			c.logger.Info("realtime channel connected", "transport", cn.Transport())
			c.dispatch(Connected{Channel: c.name, Transport: cn.Transport()})
			signal()

			reason := c.readLoop(ctx, cn)
			c.detach()
			if ctx.Err() != nil {
				c.logger.Info("realtime channel disconnected", "reason", "client disconnect")
				c.dispatch(Disconnected{Channel: c.name, Reason: "client disconnect"})
				return
			}
			c.logger.Warn("realtime channel disconnected", "reason", reason)
			c.dispatch(Disconnected{Channel: c.name, Reason: reason})
			if !c.opts.Reconnection || c.opts.ReconnectionAttempts <= 0 {
				c.logger.Error("realtime channel gave up reconnecting", "attempts", 0)
				c.dispatch(ReconnectFailed{Channel: c.name, Attempts: 0})
				return
			}
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("realtime channel connect error", "error", err, "attempt", reconnects)
			c.dispatch(ConnectError{Channel: c.name, Err: err})
			signal()
			if !c.opts.Reconnection || reconnects >= c.opts.ReconnectionAttempts {
				c.logger.Error("realtime channel gave up reconnecting", "attempts", reconnects)
				c.dispatch(ReconnectFailed{Channel: c.name, Attempts: reconnects})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.opts.ReconnectionDelay):
		}
		reconnects++
		observability.ReconnectAttempts.WithLabelValues(string(c.name)).Inc()
	}
}

func (c *Channel) dial(ctx context.Context) (conn, error) {
	transports := c.opts.Transports
	if len(transports) == 0 {
		transports = []string{TransportWebsocket}
	}
	var errs []error
	for _, t := range transports {
		d, ok := dialers[t]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown transport %q", t))
			continue
		}
		cn, err := d(ctx, c.url, c.token, c.opts)
		if err == nil {
			return cn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("transport dial failed", "transport", t, "error", err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (c *Channel) attach(cn conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = cn.Close()
		return false
	}
	c.conn = cn
	c.transport = cn.Transport()
	c.connected.Store(true)
	observability.ChannelConnected.WithLabelValues(string(c.name)).Set(1)
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.transport = ""
	c.connected.Store(false)
	clear(c.acks)
	observability.ChannelConnected.WithLabelValues(string(c.name)).Set(0)
}

func (c *Channel) readLoop(ctx context.Context, cn conn) string {
	for {
		f, err := cn.Read(ctx)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				observability.EventsDropped.WithLabelValues(string(c.name), "malformed").Inc()
				c.logger.Debug("dropping malformed frame", "error", err)
				continue
			}
			return err.Error()
		}
		c.handleFrame(f)
	}
}

func (c *Channel) handleFrame(f Frame) {
	if f.Event == ackEvent {
		c.mu.Lock()
		ack, ok := c.acks[f.Ack]
		delete(c.acks, f.Ack)
		c.mu.Unlock()
		if ok {
			ack(f.Data)
		}
		return
	}
	ev, err := Decode(c.name, f)
	if err != nil {
		reason := "decode"
		if errors.Is(err, ErrUnknownEvent) {
			reason = "unknown"
		}
		observability.EventsDropped.WithLabelValues(string(c.name), reason).Inc()
		c.logger.Debug("dropping inbound frame", "event", f.Event, "error", err)
		return
	}
	observability.EventsReceived.WithLabelValues(string(c.name), ev.Name()).Inc()
	c.dispatch(ev)
}

// close stops the loop and waits for it to exit. It must not be called from
// a dispatch callback of the same channel.
func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	cn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cn != nil {
		_ = cn.Close()
	}
	if cancel != nil {
		<-c.done
	}
}
