package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pscheid92/streamcast/internal/adapter/redis"
)

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		prefix   = flag.String("prefix", redis.DefaultQueuePrefix, "Key prefix of the job queues")
		purge    = flag.String("purge", "", "Drop every job waiting on this queue")
		dryRun   = flag.Bool("dry-run", false, "Report what -purge would drop without writing to Redis")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rdb, err := redis.NewClient(ctx, *redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	q := redis.NewJobQueue(rdb, *prefix)

	if *purge != "" {
		if err := purgeQueue(ctx, q, *purge, *dryRun); err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		return
	}

	if err := report(ctx, q); err != nil {
		log.Fatalf("Inspection failed: %v", err)
	}
}

func report(ctx context.Context, q *redis.JobQueue) error {
	names, err := q.Queues(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		slog.Info("No pending broadcast jobs")
		return nil
	}

	var total int64
	for _, name := range names {
		n, err := q.Len(ctx, name)
		if err != nil {
			return err
		}
		total += n
		slog.Info("Queue", "name", name, "pending", n)
	}
	slog.Info("Queue summary", "queues", len(names), "pending", total)
	return nil
}

func purgeQueue(ctx context.Context, q *redis.JobQueue, name string, dryRun bool) error {
	if dryRun {
		n, err := q.Len(ctx, name)
		if err != nil {
			return err
		}
		slog.Info("Dry run, nothing dropped", "queue", name, "would_drop", n)
		return nil
	}

	n, err := q.Purge(ctx, name)
	if err != nil {
		return err
	}
	slog.Info("Queue purged", "queue", name, "dropped", n)
	return nil
}

func sanitizeURL(url string) string {
	// Hide password in Redis URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
			}
		}
	}
	return url
}
