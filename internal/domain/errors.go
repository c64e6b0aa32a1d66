package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingToken         = errors.New("signed stream token missing")
	ErrInvalidToken         = errors.New("signed stream token invalid")
	ErrMalformedMessage     = errors.New("malformed wire message")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrUnknownRecordKind    = errors.New("unknown record kind")
	ErrQueueClosed          = errors.New("job queue closed")
)

// PublishError is returned when the transport refused or failed to accept a publish.
type PublishError struct {
	Channel ChannelName
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
