package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/pscheid92/streamcast/internal/domain"
)

// Target decides which channel a record is broadcast to. It is either a fixed list of
// streamables or a function of the record.
type Target struct {
	static   []any
	computed func(record any) []any
}

// Static targets the same streamables for every record.
func Static(streamables ...any) Target {
	return Target{static: streamables}
}

// Computed derives the streamables from the record at publish time.
func Computed(fn func(record any) []any) Target {
	return Target{computed: fn}
}

// Resolve returns the streamables for record.
func (t Target) Resolve(record any) []any {
	if t.computed != nil {
		return t.computed(record)
	}
	return t.static
}

// Serializer turns a record into an envelope payload.
type Serializer func(record any) (any, error)

// Registry maps record kinds to serializers.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
}

func NewRegistry() *Registry {
	return &Registry{serializers: make(map[string]Serializer)}
}

// Register adds or replaces the serializer for kind.
func (r *Registry) Register(kind string, s Serializer) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[kind] = s
	return r
}

// Lookup returns the serializer for kind or domain.ErrUnknownRecordKind.
func (r *Registry) Lookup(kind string) (Serializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRecordKind, kind)
	}
	return s, nil
}

// Binding ties one record kind to its target and serializer. The serializer is looked up
// once, when the binding is created.
type Binding struct {
	broadcaster *Broadcaster
	kind        string
	target      Target
	serialize   Serializer
	deferred    bool
}

// Bind creates a Binding for kind. deferred selects the queued publish path.
func (b *Broadcaster) Bind(kind string, target Target, registry *Registry, deferred bool) (*Binding, error) {
	serialize, err := registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return &Binding{broadcaster: b, kind: kind, target: target, serialize: serialize, deferred: deferred}, nil
}

func (bd *Binding) Created(ctx context.Context, record any, requestID string) error {
	return bd.publish(ctx, domain.EventCreated, record, requestID)
}

func (bd *Binding) Updated(ctx context.Context, record any, requestID string) error {
	return bd.publish(ctx, domain.EventUpdated, record, requestID)
}

func (bd *Binding) Deleted(ctx context.Context, record any, requestID string) error {
	return bd.publish(ctx, domain.EventDeleted, record, requestID)
}

func (bd *Binding) Refresh(ctx context.Context, record any, requestID string) error {
	msg := Message{Streamables: bd.target.Resolve(record), Event: domain.EventRefresh, RequestID: requestID}
	if bd.deferred {
		return bd.broadcaster.PublishLater(ctx, msg)
	}
	return bd.broadcaster.PublishNow(ctx, msg)
}

func (bd *Binding) publish(ctx context.Context, kind domain.EventKind, record any, requestID string) error {
	payload, err := bd.serialize(record)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", bd.kind, err)
	}

	msg := Message{Streamables: bd.target.Resolve(record), Event: kind, Payload: payload, RequestID: requestID}
	if bd.deferred {
		return bd.broadcaster.PublishLater(ctx, msg)
	}
	return bd.broadcaster.PublishNow(ctx, msg)
}
