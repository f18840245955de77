// Package views gives a consumer a ride-scoped window onto the session
// state. Opening a view subscribes upstream; closing it unsubscribes.
package views

import (
	"context"
	"time"

	"github.com/example/ride-live/internal/models"
)

// Store is the part of the session aggregator the views read and drive.
type Store interface {
	SubscribeToRide(rideID int64)
	UnsubscribeFromRide(rideID int64)
	SubscribeToLocation(rideID int64)
	UnsubscribeFromLocation(rideID int64)
	JoinChat(rideID int64)
	LeaveChat(rideID int64)
	SendMessage(rideID int64, text string) error
	SendTyping(rideID int64, isTyping bool)
	MarkMessagesAsRead(rideID int64, ids []string)

	Ride(rideID int64) (models.RideUpdate, bool)
	Location(rideID int64) (models.DriverLocation, bool)
	Messages() []models.ChatMessage
	Typing() (models.TypingIndicator, bool)
	Role() models.SenderType
	Now() time.Time

	IsConnected() bool
	Reconnect(ctx context.Context) error
	Watch() (<-chan struct{}, func())
}

// lifecycle is shared by the per-ride views: it owns the watch
// subscription and makes Close idempotent.
type lifecycle struct {
	changes <-chan struct{}
	stop    func()
	closed  chan struct{}
}

func openLifecycle(s Store) lifecycle {
	ch, stop := s.Watch()
	return lifecycle{changes: ch, stop: stop, closed: make(chan struct{})}
}

// close reports true the first time it is called.
func (l *lifecycle) close() bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	close(l.closed)
	l.stop()
	return true
}
