package models

// RideStatus is the server-side lifecycle state of a ride.
type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Valid reports whether s is one of the known ride statuses.
func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// RideUpdate is a snapshot of a ride at one point in time. Optional fields
// are nil until the server knows them; a new update replaces the previous
// one wholesale.
type RideUpdate struct {
	RideID           int64      `json:"rideId"`
	Status           RideStatus `json:"status"`
	DriverID         *int64     `json:"driverId,omitempty"`
	EstimatedArrival *float64   `json:"estimatedArrival,omitempty"` // seconds
	Fare             *float64   `json:"fare,omitempty"`
	Distance         *float64   `json:"distance,omitempty"`
	Duration         *float64   `json:"duration,omitempty"`
}

type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"` // epoch ms
}

// DriverLocation is the latest position report for the driver of a ride.
type DriverLocation struct {
	DriverID int64    `json:"driverId"`
	RideID   int64    `json:"rideId"`
	Location Location `json:"location"`
}

type SenderType string

const (
	SenderRider  SenderType = "rider"
	SenderDriver SenderType = "driver"
	SenderSystem SenderType = "system"
)

// Counterpart returns the other party of a rider/driver conversation.
func (s SenderType) Counterpart() SenderType {
	switch s {
	case SenderRider:
		return SenderDriver
	case SenderDriver:
		return SenderRider
	}
	return ""
}

type ChatMessage struct {
	ID         string     `json:"id"`
	RideID     int64      `json:"rideId"`
	SenderID   int64      `json:"senderId"`
	SenderType SenderType `json:"senderType"`
	Message    string     `json:"message"`
	Timestamp  int64      `json:"timestamp"` // epoch ms
	Read       bool       `json:"read"`
}

// TypingIndicator signals that the counterpart is composing a message. It is
// ephemeral and expires on its own shortly after being set.
type TypingIndicator struct {
	RideID   int64      `json:"rideId"`
	UserID   int64      `json:"userId"`
	UserType SenderType `json:"userType"`
	IsTyping bool       `json:"isTyping"`
}

type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
	Reconnecting ConnectionState = "reconnecting"
)
