package views

import (
	"sync"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/observability"
)

const viewRideStatus = "ride_status"

// RideStatusView follows one ride's status. Updates for other rides never
// show up here.
type RideStatusView struct {
	store  Store
	rideID int64

	mu sync.Mutex
	lc lifecycle
}

func OpenRideStatus(s Store, rideID int64) *RideStatusView {
	v := &RideStatusView{store: s, rideID: rideID, lc: openLifecycle(s)}
	s.SubscribeToRide(rideID)
	observability.ViewsOpen.WithLabelValues(viewRideStatus).Inc()
	return v
}

func (v *RideStatusView) RideID() int64 { return v.rideID }

// Update is the latest update for this ride.
func (v *RideStatusView) Update() (models.RideUpdate, bool) {
	return v.store.Ride(v.rideID)
}

// Status is empty until the first update for this ride arrives.
func (v *RideStatusView) Status() models.RideStatus {
	u, _ := v.Update()
	return u.Status
}

// EstimatedArrival is the driver ETA in seconds, or nil when unknown.
func (v *RideStatusView) EstimatedArrival() *float64 {
	u, _ := v.Update()
	return u.EstimatedArrival
}

// Changes signals after any session state change.
func (v *RideStatusView) Changes() <-chan struct{} { return v.lc.changes }

func (v *RideStatusView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.lc.close() {
		return
	}
	v.store.UnsubscribeFromRide(v.rideID)
	observability.ViewsOpen.WithLabelValues(viewRideStatus).Dec()
}
