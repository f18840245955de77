package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-live/internal/models"
)

// Inbound event names.
const (
	EventRideUpdate        = "ride:update"
	EventDriverAccepted    = "ride:driver-accepted"
	EventDriverArrived     = "ride:driver-arrived"
	EventRideStarted       = "ride:started"
	EventRideCompleted     = "ride:completed"
	EventRideCancelled     = "ride:cancelled"
	EventDriverLocation    = "location:driver-update"
	EventChatMessage       = "chat:message"
	EventChatSystemMessage = "chat:system-message"
	EventChatTyping        = "chat:typing"
	EventChatMessagesRead  = "chat:messages-read"
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventReconnectFailed   = "reconnect_failed"
)

// Event is the closed set of things a channel can report. Every inbound
// frame is decoded into one of the types below at the transport boundary;
// consumers switch on the concrete type.
type Event interface {
	Name() string
	Source() ChannelName
	event()
}

type RideUpdated struct {
	Update models.RideUpdate `json:"update"`
}

type DriverAccepted struct {
	RideID           int64    `json:"rideId"`
	DriverID         int64    `json:"driverId"`
	EstimatedArrival *float64 `json:"estimatedArrival,omitempty"`
}

type DriverArrived struct {
	RideID int64 `json:"rideId"`
}

type RideStarted struct {
	RideID int64 `json:"rideId"`
}

type RideCompleted struct {
	RideID   int64    `json:"rideId"`
	Fare     *float64 `json:"fare,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

type RideCancelled struct {
	RideID int64  `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type DriverLocationUpdated struct {
	Location models.DriverLocation `json:"location"`
}

// ChatMessageReceived covers both regular and system chat lines.
type ChatMessageReceived struct {
	Message models.ChatMessage `json:"message"`
	System  bool               `json:"system,omitempty"`
}

type TypingChanged struct {
	Indicator models.TypingIndicator `json:"indicator"`
}

type MessagesRead struct {
	RideID     int64    `json:"rideId"`
	MessageIDs []string `json:"messageIds"`
}

// Connected is reported each time a channel (re)establishes its connection.
type Connected struct {
	Channel   ChannelName `json:"channel"`
	Transport string      `json:"transport"`
}

type Disconnected struct {
	Channel ChannelName `json:"channel"`
	Reason  string      `json:"reason"`
}

// ConnectError is reported for every failed dial, including reconnection
// dials.
type ConnectError struct {
	Channel ChannelName `json:"channel"`
	Err     error       `json:"-"`
}

// ReconnectFailed is reported once a channel has used up its reconnection
// attempts. The channel stays down until the connector reconnects.
type ReconnectFailed struct {
	Channel  ChannelName `json:"channel"`
	Attempts int         `json:"attempts"`
}

func (RideUpdated) Name() string           { return EventRideUpdate }
func (DriverAccepted) Name() string        { return EventDriverAccepted }
func (DriverArrived) Name() string         { return EventDriverArrived }
func (RideStarted) Name() string           { return EventRideStarted }
func (RideCompleted) Name() string         { return EventRideCompleted }
func (RideCancelled) Name() string         { return EventRideCancelled }
func (DriverLocationUpdated) Name() string { return EventDriverLocation }
func (e ChatMessageReceived) Name() string {
	if e.System {
		return EventChatSystemMessage
	}
	return EventChatMessage
}
func (TypingChanged) Name() string   { return EventChatTyping }
func (MessagesRead) Name() string    { return EventChatMessagesRead }
func (Connected) Name() string       { return EventConnect }
func (Disconnected) Name() string    { return EventDisconnect }
func (ConnectError) Name() string    { return EventConnectError }
func (ReconnectFailed) Name() string { return EventReconnectFailed }

func (RideUpdated) Source() ChannelName           { return RideChannel }
func (DriverAccepted) Source() ChannelName        { return RideChannel }
func (DriverArrived) Source() ChannelName         { return RideChannel }
func (RideStarted) Source() ChannelName           { return RideChannel }
func (RideCompleted) Source() ChannelName         { return RideChannel }
func (RideCancelled) Source() ChannelName         { return RideChannel }
func (DriverLocationUpdated) Source() ChannelName { return LocationChannel }
func (ChatMessageReceived) Source() ChannelName   { return ChatChannel }
func (TypingChanged) Source() ChannelName         { return ChatChannel }
func (MessagesRead) Source() ChannelName          { return ChatChannel }
func (e Connected) Source() ChannelName           { return e.Channel }
func (e Disconnected) Source() ChannelName        { return e.Channel }
func (e ConnectError) Source() ChannelName        { return e.Channel }
func (e ReconnectFailed) Source() ChannelName     { return e.Channel }

func (RideUpdated) event()           {}
func (DriverAccepted) event()        {}
func (DriverArrived) event()         {}
func (RideStarted) event()           {}
func (RideCompleted) event()         {}
func (RideCancelled) event()         {}
func (DriverLocationUpdated) event() {}
func (ChatMessageReceived) event()   {}
func (TypingChanged) event()         {}
func (MessagesRead) event()          {}
func (Connected) event()             {}
func (Disconnected) event()          {}
func (ConnectError) event()          {}
func (ReconnectFailed) event()       {}

type decoder struct {
	channel ChannelName
	decode  func(json.RawMessage) (Event, error)
}

var inbound = map[string]decoder{
	EventRideUpdate: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(u models.RideUpdate) Event { return RideUpdated{Update: u} })
	}},
	EventDriverAccepted: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e DriverAccepted) Event { return e })
	}},
	EventDriverArrived: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e DriverArrived) Event { return e })
	}},
	EventRideStarted: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e RideStarted) Event { return e })
	}},
	EventRideCompleted: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e RideCompleted) Event { return e })
	}},
	EventRideCancelled: {RideChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e RideCancelled) Event { return e })
	}},
	EventDriverLocation: {LocationChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(l models.DriverLocation) Event { return DriverLocationUpdated{Location: l} })
	}},
	EventChatMessage: {ChatChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(m models.ChatMessage) Event { return ChatMessageReceived{Message: m} })
	}},
	EventChatSystemMessage: {ChatChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(m models.ChatMessage) Event {
			if m.SenderType == "" {
				m.SenderType = models.SenderSystem
			}
			return ChatMessageReceived{Message: m, System: true}
		})
	}},
	EventChatTyping: {ChatChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(t models.TypingIndicator) Event { return TypingChanged{Indicator: t} })
	}},
	EventChatMessagesRead: {ChatChannel, func(d json.RawMessage) (Event, error) {
		return decodeAs(d, func(e MessagesRead) Event { return e })
	}},
}

func decodeAs[T any](data json.RawMessage, wrap func(T) Event) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return wrap(v), nil
}

// Decode turns a frame received on channel ch into a typed event. Frames
// naming an unknown event, or an event that belongs to another channel, are
// rejected with ErrUnknownEvent.
func Decode(ch ChannelName, f Frame) (Event, error) {
	d, ok := inbound[f.Event]
	if !ok || d.channel != ch {
		return nil, fmt.Errorf("%w: %q on %s channel", ErrUnknownEvent, f.Event, ch)
	}
	ev, err := d.decode(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

// RideIDOf returns the ride a domain event refers to. Lifecycle events
// report false.
func RideIDOf(ev Event) (int64, bool) {
	switch e := ev.(type) {
	case RideUpdated:
		return e.Update.RideID, true
	case DriverAccepted:
		return e.RideID, true
	case DriverArrived:
		return e.RideID, true
	case RideStarted:
		return e.RideID, true
	case RideCompleted:
		return e.RideID, true
	case RideCancelled:
		return e.RideID, true
	case DriverLocationUpdated:
		return e.Location.RideID, true
	case ChatMessageReceived:
		return e.Message.RideID, true
	case TypingChanged:
		return e.Indicator.RideID, true
	case MessagesRead:
		return e.RideID, true
	}
	return 0, false
}
