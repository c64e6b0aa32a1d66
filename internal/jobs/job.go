// Package jobs runs deferred publishes on a pool of workers with bounded retries.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/streamcast/internal/domain"
)

// Job is one deferred publish. The envelope is built when the job runs, so At reflects
// the actual publish time and not the enqueue time.
type Job struct {
	ID         uuid.UUID          `json:"id"`
	Queue      string             `json:"queue"`
	Channel    domain.ChannelName `json:"channel"`
	Event      domain.EventKind   `json:"event"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	RequestID  string             `json:"requestId,omitempty"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// Queue stores jobs until a worker picks them up.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available on the named queue or ctx is done.
	Dequeue(ctx context.Context, queue string) (Job, error)
}

// Handler executes a job. A returned error makes the job eligible for retry.
type Handler interface {
	Perform(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Perform(ctx context.Context, job Job) error { return f(ctx, job) }
