package realtime

import (
	"encoding/json"
	"errors"
)

// ChannelName identifies one of the three logical event streams.
type ChannelName string

const (
	RideChannel     ChannelName = "ride"
	LocationChannel ChannelName = "location"
	ChatChannel     ChannelName = "chat"
)

// ChannelNames lists every channel in the order they are opened.
var ChannelNames = []ChannelName{RideChannel, LocationChannel, ChatChannel}

// Outbound event names.
const (
	EmitSubscribeRide       = "subscribe:ride"
	EmitUnsubscribeRide     = "unsubscribe:ride"
	EmitSubscribeLocation   = "location:subscribe"
	EmitUnsubscribeLocation = "location:unsubscribe"
	EmitChatJoin            = "chat:join"
	EmitChatLeave           = "chat:leave"
	EmitChatMessage         = "chat:message"
	EmitChatTyping          = "chat:typing"
	EmitChatMarkRead        = "chat:mark-read"
)

// ackEvent is the event name of an acknowledgment frame sent by the server.
const ackEvent = "ack"

var (
	ErrNotConnected = errors.New("realtime channel not connected")
	ErrUnknownEvent = errors.New("unknown realtime event")
)

// Frame is the JSON envelope of every message on a channel. A non-zero Ack
// on an outbound frame asks the server for an acknowledgment frame carrying
// the same id.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// AckFunc receives the body of an acknowledgment.
type AckFunc func(data json.RawMessage)
