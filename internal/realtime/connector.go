// Package realtime owns the three authenticated channels (ride, location,
// chat) the client keeps open to the realtime endpoint.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-live/internal/credential"
	"github.com/example/ride-live/internal/logging"
)

// Config wires a Connector.
type Config struct {
	BaseURL     string
	Options     Options
	Credentials credential.Source
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Connector opens and closes the channel set as a unit. Listeners
// registered with Subscribe survive reconnects; channel handles do not.
type Connector struct {
	baseURL string
	opts    Options
	creds   credential.Source
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.RWMutex
	channels map[ChannelName]*Channel

	lmu       sync.RWMutex
	listeners map[uint64]func(Event)
	nextID    uint64
}

func NewConnector(cfg Config) *Connector {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = credential.Chain{}
	}
	return &Connector{
		baseURL:   cfg.BaseURL,
		opts:      cfg.Options,
		creds:     cfg.Credentials,
		clock:     cfg.Clock,
		logger:    logging.OrDiscard(cfg.Logger).With("component", "realtime"),
		listeners: make(map[uint64]func(Event)),
	}
}

// Connect reads the bearer token and opens all three channels concurrently,
// returning once each has either connected or failed its first dial. A
// missing or expired token is logged and leaves the connector disconnected;
// it is not an error. Calling Connect while connected is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	token, err := c.creds.Token(ctx)
	if err != nil || token == "" {
		c.logger.Warn("no credential available, realtime channels not opened", "error", err)
		return nil
	}
	if credential.Expired(token, c.clock.Now()) {
		c.logger.Warn("credential expired, realtime channels not opened")
		return nil
	}

	c.mu.Lock()
	if c.channels != nil {
		c.mu.Unlock()
		return nil
	}
	chans := make(map[ChannelName]*Channel, len(ChannelNames))
	for _, name := range ChannelNames {
		chans[name] = newChannel(name, c.baseURL, token, c.opts, c.clock, c.logger, c.dispatch)
	}
	c.channels = chans
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		g.Go(func() error { return ch.start(gctx) })
	}
	return g.Wait()
}

// Disconnect closes every channel and forgets the handles. Safe to call
// repeatedly.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	chans := c.channels
	c.channels = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.close()
		}()
	}
	wg.Wait()
}

// Reconnect drops the current channels and connects again with a freshly
// read token.
func (c *Connector) Reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// IsConnected is true when at least one channel is connected.
func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		if ch.Connected() {
			return true
		}
	}
	return false
}

// Channel returns the handle for name, or nil while disconnected.
func (c *Connector) Channel(name ChannelName) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[name]
}

func (c *Connector) Ride() *Channel     { return c.Channel(RideChannel) }
func (c *Connector) Location() *Channel { return c.Channel(LocationChannel) }
func (c *Connector) Chat() *Channel     { return c.Channel(ChatChannel) }

// Emit sends on the named channel.
func (c *Connector) Emit(name ChannelName, event string, payload any) error {
	ch := c.Channel(name)
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Emit(event, payload)
}

// EmitWithAck sends on the named channel and registers ack.
func (c *Connector) EmitWithAck(name ChannelName, event string, payload any, ack AckFunc) error {
	ch := c.Channel(name)
	if ch == nil {
		return ErrNotConnected
	}
	return ch.EmitWithAck(event, payload, ack)
}

// Subscribe registers fn for every event of every channel. Events of one
// channel arrive in order; different channels may interleave and call fn
// concurrently.
func (c *Connector) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Connector) dispatch(ev Event) {
	c.lmu.RLock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
