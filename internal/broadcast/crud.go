package broadcast

import (
	"context"

	"github.com/pscheid92/streamcast/internal/domain"
)

func (b *Broadcaster) Created(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishNow(ctx, Message{Streamables: streamables, Event: domain.EventCreated, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) CreatedLater(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishLater(ctx, Message{Streamables: streamables, Event: domain.EventCreated, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) Updated(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishNow(ctx, Message{Streamables: streamables, Event: domain.EventUpdated, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) UpdatedLater(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishLater(ctx, Message{Streamables: streamables, Event: domain.EventUpdated, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) Deleted(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishNow(ctx, Message{Streamables: streamables, Event: domain.EventDeleted, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) DeletedLater(ctx context.Context, streamables []any, payload any, requestID string) error {
	return b.PublishLater(ctx, Message{Streamables: streamables, Event: domain.EventDeleted, Payload: payload, RequestID: requestID})
}

// Refresh tells subscribers to reload their state; it never carries a payload.
func (b *Broadcaster) Refresh(ctx context.Context, streamables []any, requestID string) error {
	return b.PublishNow(ctx, Message{Streamables: streamables, Event: domain.EventRefresh, RequestID: requestID})
}

func (b *Broadcaster) RefreshLater(ctx context.Context, streamables []any, requestID string) error {
	return b.PublishLater(ctx, Message{Streamables: streamables, Event: domain.EventRefresh, RequestID: requestID})
}

// Event publishes a custom event kind.
func (b *Broadcaster) Event(ctx context.Context, streamables []any, kind domain.EventKind, payload any, requestID string) error {
	return b.PublishNow(ctx, Message{Streamables: streamables, Event: kind, Payload: payload, RequestID: requestID})
}

func (b *Broadcaster) EventLater(ctx context.Context, streamables []any, kind domain.EventKind, payload any, requestID string) error {
	return b.PublishLater(ctx, Message{Streamables: streamables, Event: kind, Payload: payload, RequestID: requestID})
}
