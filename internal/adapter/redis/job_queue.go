package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pscheid92/streamcast/internal/jobs"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultQueuePrefix = "streamcast:jobs:"

	// blocking pops are bounded so Dequeue notices ctx cancellation
	popTimeout = time.Second
	scanCount  = 100
)

// JobQueue is a jobs.Queue backed by Redis lists. Jobs are pushed on the left and popped
// from the right, so each queue is FIFO and shared by every instance.
type JobQueue struct {
	rdb    *goredis.Client
	prefix string
}

var _ jobs.Queue = (*JobQueue)(nil)

func NewJobQueue(rdb *goredis.Client, prefix string) *JobQueue {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &JobQueue{rdb: rdb, prefix: prefix}
}

func (q *JobQueue) Enqueue(ctx context.Context, job jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *JobQueue) Dequeue(ctx context.Context, queue string) (jobs.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return jobs.Job{}, err
		}

		res, err := q.rdb.BRPop(ctx, popTimeout, q.key(queue)).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return jobs.Job{}, ctx.Err()
			}
			return jobs.Job{}, fmt.Errorf("failed to dequeue job: %w", err)
		}

		// BRPOP replies with [key, value]
		var job jobs.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return jobs.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return job, nil
	}
}

// Len returns the number of jobs waiting on queue.
func (q *JobQueue) Len(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

func (q *JobQueue) key(queue string) string {
	return q.prefix + queue
}

// Queues returns the names of every queue that currently holds jobs, sorted.
func (q *JobQueue) Queues(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queues: %w", err)
		}
		for _, key := range keys {
			names = append(names, strings.TrimPrefix(key, q.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// SCAN may return a key more than once
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Purge drops every job waiting on queue and returns how many were dropped.
func (q *JobQueue) Purge(ctx context.Context, queue string) (int64, error) {
	var n *goredis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		n = pipe.LLen(ctx, q.key(queue))
		pipe.Del(ctx, q.key(queue))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}
	return n.Val(), nil
}
