package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// EventKind names the change an envelope describes. Custom kinds are any other
// non-empty string.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
	EventRefresh EventKind = "refresh"
)

var emptyPayload = json.RawMessage(`{}`)

// Envelope is the wire message for one change event.
type Envelope struct {
	Event     EventKind       `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	RequestID *string         `json:"requestId"`
	At        float64         `json:"at"`
}

// NewEnvelope builds an envelope stamped with the clock's current time.
// A refresh envelope always carries an empty payload.
func NewEnvelope(clock clockwork.Clock, kind EventKind, payload any, requestID string) (Envelope, error) {
	if kind == "" {
		return Envelope{}, fmt.Errorf("envelope: event kind is required")
	}

	env := Envelope{Event: kind, At: epochSeconds(clock.Now())}
	if requestID != "" {
		env.RequestID = &requestID
	}

	if kind == EventRefresh || payload == nil {
		env.Payload = emptyPayload
		return env, nil
	}

	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			raw = emptyPayload
		}
		env.Payload = raw
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// CorrelationID returns the request id or "" when absent.
func (e Envelope) CorrelationID() string {
	if e.RequestID == nil {
		return ""
	}
	return *e.RequestID
}

// Time converts the at stamp back to a time.Time.
func (e Envelope) Time() time.Time {
	sec := int64(e.At)
	nsec := int64((e.At - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Encode returns the JSON wire form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes and validates a wire message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		env.Payload = emptyPayload
	}
	return env, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
