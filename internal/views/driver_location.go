package views

import (
	"sync"
	"time"

	"github.com/example/ride-live/internal/observability"
)

const viewDriverLocation = "driver_location"

// StaleAfter is how old a driver position may get before it is reported
// stale.
const StaleAfter = 10 * time.Second

// Position is the part of a driver location a map marker needs.
type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

type DriverLocationView struct {
	store  Store
	rideID int64

	mu sync.Mutex
	lc lifecycle
}

func OpenDriverLocation(s Store, rideID int64) *DriverLocationView {
	v := &DriverLocationView{store: s, rideID: rideID, lc: openLifecycle(s)}
	s.SubscribeToLocation(rideID)
	observability.ViewsOpen.WithLabelValues(viewDriverLocation).Inc()
	return v
}

func (v *DriverLocationView) RideID() int64 { return v.rideID }

// Position returns the driver's last reported position for this ride.
func (v *DriverLocationView) Position() (Position, bool) {
	l, ok := v.store.Location(v.rideID)
	if !ok {
		return Position{}, false
	}
	return Position{
		Latitude:  l.Location.Latitude,
		Longitude: l.Location.Longitude,
		Heading:   l.Location.Heading,
		Speed:     l.Location.Speed,
	}, true
}

// IsStale reports whether the last position is more than StaleAfter old at
// the time of the call. With no position at all there is nothing to be
// stale.
func (v *DriverLocationView) IsStale() bool {
	l, ok := v.store.Location(v.rideID)
	if !ok {
		return false
	}
	age := v.store.Now().UnixMilli() - l.Location.Timestamp
	stale := age > StaleAfter.Milliseconds()
	if stale {
		observability.StaleReadings.Inc()
	}
	return stale
}

func (v *DriverLocationView) Changes() <-chan struct{} { return v.lc.changes }

func (v *DriverLocationView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.lc.close() {
		return
	}
	v.store.UnsubscribeFromLocation(v.rideID)
	observability.ViewsOpen.WithLabelValues(viewDriverLocation).Dec()
}
