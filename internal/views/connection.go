package views

import (
	"context"
	"sync"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/observability"
)

const viewConnection = "connection"

// ConnectionView tracks the session's connection state:
//
//	disconnected --Reconnect--> reconnecting --ok--> connected
//	reconnecting --error--> disconnected
//
// Outside a Reconnect call the state follows the session, so a channel
// dropping moves connected to disconnected without any call here.
type ConnectionView struct {
	store Store

	mu      sync.Mutex
	state   models.ConnectionState
	changes chan struct{}
	stop    func()
	done    chan struct{}
	closed  bool
}

func NewConnection(s Store) *ConnectionView {
	watch, stop := s.Watch()
	v := &ConnectionView{
		store:   s,
		state:   observed(s),
		changes: make(chan struct{}, 1),
		stop:    stop,
		done:    make(chan struct{}),
	}
	observability.ViewsOpen.WithLabelValues(viewConnection).Inc()
	go v.follow(watch)
	return v
}

func observed(s Store) models.ConnectionState {
	if s.IsConnected() {
		return models.Connected
	}
	return models.Disconnected
}

func (v *ConnectionView) follow(watch <-chan struct{}) {
	for {
		select {
		case <-v.done:
			return
		case <-watch:
		}
		v.mu.Lock()
		if v.state != models.Reconnecting {
			v.state = observed(v.store)
		}
		v.mu.Unlock()
		v.signal()
	}
}

func (v *ConnectionView) signal() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func (v *ConnectionView) Status() models.ConnectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *ConnectionView) IsConnected() bool { return v.Status() == models.Connected }

// Reconnect re-opens the session's channels and waits for the outcome. On
// error the state is disconnected and the error is returned.
func (v *ConnectionView) Reconnect(ctx context.Context) error {
	v.set(models.Reconnecting)
	err := v.store.Reconnect(ctx)
	if err != nil || !v.store.IsConnected() {
		v.set(models.Disconnected)
		return err
	}
	v.set(models.Connected)
	return nil
}

func (v *ConnectionView) set(s models.ConnectionState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
	v.signal()
}

// Changes signals after every state transition.
func (v *ConnectionView) Changes() <-chan struct{} { return v.changes }

func (v *ConnectionView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.done)
	v.stop()
	observability.ViewsOpen.WithLabelValues(viewConnection).Dec()
}
