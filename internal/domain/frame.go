package domain

import "encoding/json"

// TokenField is the wire key carrying a signed stream token, in both directions.
const TokenField = "signed-stream-name"

// Client commands.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// Server frame types.
const (
	FrameWelcome = "welcome"
	FramePing    = "ping"
	FrameConfirm = "confirm_subscription"
	FrameReject  = "reject_subscription"
	FrameMessage = "message"
)

// Command is sent by clients over the subscription socket.
type Command struct {
	Command string `json:"command"`
	Token   string `json:"signed-stream-name"`
}

// Frame is sent by the server over the subscription socket. Message carries an encoded
// Envelope for FrameMessage and a unix timestamp for FramePing.
type Frame struct {
	Type     string          `json:"type"`
	Token    string          `json:"signed-stream-name,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Identity string          `json:"identity,omitempty"`
}
