package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/platform/correlation"
	"github.com/pscheid92/streamcast/internal/platform/retry"
)

// dequeueErrorBackoff throttles the loop while the queue backend is failing.
const dequeueErrorBackoff = time.Second

// RunnerConfig configures a worker pool.
type RunnerConfig struct {
	Queue       string
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Runner pulls jobs from one queue and performs them on a fixed number of workers.
// A job that still fails after MaxAttempts is reported and discarded; it is never
// handed back to whoever enqueued it.
type Runner struct {
	queue    Queue
	handler  Handler
	reporter domain.ErrorReporter
	clock    clockwork.Clock
	metrics  *metrics.BroadcastMetrics
	cfg      RunnerConfig
}

func NewRunner(queue Queue, handler Handler, reporter domain.ErrorReporter, clock clockwork.Clock, m *metrics.BroadcastMetrics, cfg RunnerConfig) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		queue:    queue,
		handler:  handler,
		reporter: reporter,
		clock:    clock,
		metrics:  m,
		cfg:      cfg,
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is closed.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range r.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, i)
		}()
	}

	slog.Info("Job workers started", "queue", r.cfg.Queue, "workers", r.cfg.Workers)
	wg.Wait()
	slog.Info("Job workers stopped", "queue", r.cfg.Queue)
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		job, err := r.queue.Dequeue(ctx, r.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			slog.WarnContext(ctx, "Dequeue failed", "queue", r.cfg.Queue, "worker", worker, "error", err)
			select {
			case <-r.clock.After(dequeueErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		r.Process(ctx, job)
	}
}

// Process performs one job with retries. It returns the final error, which has already
// been reported when non-nil.
func (r *Runner) Process(ctx context.Context, job Job) error {
	jobCtx := ctx
	if job.RequestID != "" {
		jobCtx = correlation.WithID(ctx, job.RequestID)
	}
	start := r.clock.Now()

	policy := retry.Policy{
		MaxAttempts:    r.cfg.MaxAttempts,
		InitialBackoff: r.cfg.Backoff,
		MaxBackoff:     r.cfg.MaxBackoff,
		Clock:          r.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			r.metrics.JobRetries.Inc()
			slog.WarnContext(jobCtx, "Job failed, retrying",
				"job_id", job.ID, "channel", job.Channel, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	err := retry.DoVoid(jobCtx, policy, classify, func(ctx context.Context, _ int) error {
		return r.handler.Perform(ctx, job)
	})
	r.metrics.JobDuration.Observe(r.clock.Since(start).Seconds())
	if err == nil {
		return nil
	}

	r.metrics.JobsDiscarded.Inc()
	r.reporter.Report(jobCtx, fmt.Errorf("discarding job %s: %w", job.ID, err),
		"job_id", job.ID, "queue", job.Queue, "channel", job.Channel, "event", job.Event)
	return err
}

// classify stops on errors a retry cannot fix.
func classify(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrUnknownRecordKind), errors.Is(err, context.Canceled):
		return retry.Stop
	default:
		return retry.Retry
	}
}
