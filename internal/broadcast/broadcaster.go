package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/jobs"
	"github.com/pscheid92/streamcast/internal/stream"
)

const DefaultQueue = "default"

// Message is one publish request. Streamables are flattened and named with stream.Name.
type Message struct {
	Streamables []any
	Event       domain.EventKind
	Payload     any
	RequestID   string
}

// Options configures a Broadcaster. Every field is optional.
type Options struct {
	// Queue receives deferred publishes. Without one, the Later variants publish synchronously.
	Queue     jobs.Queue
	QueueName string
	// Debouncer coalesces deferred and debounced publishes per channel.
	Debouncer domain.Debouncer
	Window    time.Duration
	// Disabled turns every publish into a no-op.
	Disabled bool
	Reporter domain.ErrorReporter
}

type Broadcaster struct {
	transport domain.Transport
	clock     clockwork.Clock
	metrics   *metrics.BroadcastMetrics
	queue     jobs.Queue
	queueName string
	debouncer domain.Debouncer
	window    time.Duration
	disabled  bool
	reporter  domain.ErrorReporter
}

func New(transport domain.Transport, clock clockwork.Clock, m *metrics.BroadcastMetrics, opts Options) *Broadcaster {
	if opts.QueueName == "" {
		opts.QueueName = DefaultQueue
	}
	if opts.Reporter == nil {
		opts.Reporter = SlogReporter{}
	}
	return &Broadcaster{
		transport: transport,
		clock:     clock,
		metrics:   m,
		queue:     opts.Queue,
		queueName: opts.QueueName,
		debouncer: opts.Debouncer,
		window:    opts.Window,
		disabled:  opts.Disabled,
		reporter:  opts.Reporter,
	}
}

// PublishNow builds the envelope and hands it to the transport on the calling goroutine.
// Transport failures are returned as *domain.PublishError.
func (b *Broadcaster) PublishNow(ctx context.Context, msg Message) error {
	channel, ok := b.resolve(metrics.PathNow, msg)
	if !ok {
		return nil
	}
	return b.publish(ctx, metrics.PathNow, channel, msg.Event, msg.Payload, msg.RequestID)
}

// PublishDebounced schedules a synchronous publish through the debouncer. Only the most
// recent call per channel within the window is published; failures are reported since no
// caller is waiting. Without a debouncer it behaves like PublishNow with reporting.
func (b *Broadcaster) PublishDebounced(ctx context.Context, msg Message) {
	channel, ok := b.resolve(metrics.PathDebounced, msg)
	if !ok {
		return
	}

	detached := context.WithoutCancel(ctx)
	action := func() {
		if err := b.publish(detached, metrics.PathDebounced, channel, msg.Event, msg.Payload, msg.RequestID); err != nil {
			b.reporter.Report(detached, err, "channel", channel, "event", msg.Event)
		}
	}

	if b.debouncer == nil {
		action()
		return
	}
	b.debouncer.Schedule(string(channel), b.window, action)
}

// PublishLater enqueues the publish for a worker. Without a queue it falls back to
// PublishNow. With a debouncer the enqueue itself is coalesced per channel. Queue
// failures are reported, not returned; only an unencodable payload is an error.
func (b *Broadcaster) PublishLater(ctx context.Context, msg Message) error {
	if b.queue == nil {
		return b.PublishNow(ctx, msg)
	}

	channel, ok := b.resolve(metrics.PathLater, msg)
	if !ok {
		return nil
	}

	job, err := b.newJob(channel, msg)
	if err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	enqueue := func() {
		job.EnqueuedAt = b.clock.Now()
		if err := b.queue.Enqueue(detached, job); err != nil {
			b.metrics.Publishes.WithLabelValues(metrics.PathLater, metrics.OutcomeError).Inc()
			b.reporter.Report(detached, fmt.Errorf("enqueue publish: %w", err), "channel", channel, "job_id", job.ID)
			return
		}
		b.metrics.Publishes.WithLabelValues(metrics.PathLater, metrics.OutcomeEnqueued).Inc()
	}

	if b.debouncer == nil {
		enqueue()
		return nil
	}
	b.debouncer.Schedule(string(channel), b.window, enqueue)
	return nil
}

// Perform runs a deferred publish. It is the jobs.Handler for the broadcast queue.
func (b *Broadcaster) Perform(ctx context.Context, job jobs.Job) error {
	if b.disabled {
		b.metrics.Publishes.WithLabelValues(metrics.PathJob, metrics.OutcomeDisabled).Inc()
		return nil
	}
	return b.publish(ctx, metrics.PathJob, job.Channel, job.Event, job.Payload, job.RequestID)
}

// Wait blocks until any debounced work for the channel of streamables has finished.
func (b *Broadcaster) Wait(streamables ...any) {
	if b.debouncer == nil {
		return
	}
	if channel := stream.Name(streamables...); channel != "" {
		b.debouncer.Wait(string(channel))
	}
}

// resolve applies the no-op rules shared by every path.
func (b *Broadcaster) resolve(path string, msg Message) (domain.ChannelName, bool) {
	if b.disabled {
		b.metrics.Publishes.WithLabelValues(path, metrics.OutcomeDisabled).Inc()
		return "", false
	}
	channel := stream.Name(msg.Streamables...)
	if channel == "" {
		b.metrics.Publishes.WithLabelValues(path, metrics.OutcomeEmpty).Inc()
		return "", false
	}
	return channel, true
}

func (b *Broadcaster) publish(ctx context.Context, path string, channel domain.ChannelName, kind domain.EventKind, payload any, requestID string) error {
	env, err := domain.NewEnvelope(b.clock, kind, payload, requestID)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := b.transport.Publish(ctx, channel, data); err != nil {
		b.metrics.Publishes.WithLabelValues(path, metrics.OutcomeError).Inc()
		var pubErr *domain.PublishError
		if errors.As(err, &pubErr) {
			return err
		}
		return &domain.PublishError{Channel: channel, Err: err}
	}

	b.metrics.Publishes.WithLabelValues(path, metrics.OutcomeOK).Inc()
	slog.DebugContext(ctx, "Published", "channel", channel, "event", kind, "path", path)
	return nil
}

func (b *Broadcaster) newJob(channel domain.ChannelName, msg Message) (jobs.Job, error) {
	job := jobs.Job{
		ID:        uuid.New(),
		Queue:     b.queueName,
		Channel:   channel,
		Event:     msg.Event,
		RequestID: msg.RequestID,
	}
	if msg.Event == "" {
		return jobs.Job{}, errors.New("broadcast: event kind is required")
	}
	if msg.Payload == nil || msg.Event == domain.EventRefresh {
		return job, nil
	}
	if raw, ok := msg.Payload.(json.RawMessage); ok {
		job.Payload = raw
		return job, nil
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("broadcast: marshal %s payload: %w", msg.Event, err)
	}
	job.Payload = data
	return job, nil
}
