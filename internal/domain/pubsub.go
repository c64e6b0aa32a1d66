package domain

import "context"

// Transport delivers an encoded envelope to every subscriber of a channel.
type Transport interface {
	Publish(ctx context.Context, channel ChannelName, data []byte) error
}

// DeliverFunc receives messages relayed from a transport subscription.
type DeliverFunc func(channel ChannelName, data []byte)

// ErrorReporter receives failures that must not reach the original caller, such as
// deferred publishes that exhausted their retries.
type ErrorReporter interface {
	Report(ctx context.Context, err error, attrs ...any)
}
