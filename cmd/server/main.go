package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/adapter/httpserver"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/adapter/redis"
	"github.com/pscheid92/streamcast/internal/broadcast"
	"github.com/pscheid92/streamcast/internal/debounce"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/gateway"
	"github.com/pscheid92/streamcast/internal/jobs"
	"github.com/pscheid92/streamcast/internal/platform/config"
	"github.com/pscheid92/streamcast/internal/platform/logging"
	"github.com/pscheid92/streamcast/internal/platform/version"
	"github.com/pscheid92/streamcast/internal/stream"
	goredis "github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout   = 10 * time.Second
	relayRetryDelay   = time.Second
	jobMaxBackoff     = 30 * time.Second
	memoryQueueLength = 1024
)

type shutdownDeps struct {
	srv         *httpserver.Server
	hub         *gateway.Hub
	debouncer   *debounce.Debouncer
	stopWorkers context.CancelFunc
	workers     *sync.WaitGroup
}

// localInstance answers /api/instances for a single-instance deployment.
type localInstance struct {
	id    string
	hub   *gateway.Hub
	clock clockwork.Clock
}

func (l localInstance) Active(context.Context) ([]redis.InstanceInfo, error) {
	return []redis.InstanceInfo{{
		InstanceID:  l.id,
		Timestamp:   l.clock.Now().Unix(),
		Version:     version.Get().Version,
		Connections: l.hub.Connections(),
	}}, nil
}

func runGracefulShutdown(deps shutdownDeps) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := deps.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// debounced publishes still pending are flushed before the workers and hub go away
		deps.debouncer.WaitAll()
		deps.stopWorkers()
		deps.workers.Wait()
		deps.hub.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m), redis.NewCircuitBreakerHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// relay keeps the local hub fed from Redis until ctx ends, resubscribing after failures.
func relay(ctx context.Context, pubsub *redis.PubSub, hub *gateway.Hub, clock clockwork.Clock) {
	for ctx.Err() == nil {
		if err := pubsub.Relay(ctx, hub.Deliver, nil); err != nil {
			slog.Error("Broadcast relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-clock.After(relayRetryDelay):
		}
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)
	broadcastMetrics := metrics.NewBroadcastMetrics(registry)
	wsMetrics := metrics.NewWebSocketMetrics(registry)

	signer, err := stream.NewSigner(cfg.StreamSigningKey, cfg.PreviousKeys(), cfg.StreamTokenTTL, clock)
	if err != nil {
		slog.Error("Failed to create stream signer", "error", err)
		os.Exit(1)
	}

	hub := gateway.NewHub(clock, wsMetrics, cfg.MaxWebSocketConnections, 0)
	instanceID := uuid.NewString()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	background := func(fn func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(workerCtx)
		}()
	}

	var (
		transport    domain.Transport = hub
		queue        jobs.Queue
		instances    httpserver.InstanceLister = localInstance{id: instanceID, hub: hub, clock: clock}
		healthChecks []httpserver.HealthCheck
	)
	if cfg.RedisURL != "" {
		redisClient := setupRedis(context.Background(), cfg, metrics.NewRedisMetrics(registry))
		defer func() { _ = redisClient.Close() }()

		pubsub := redis.NewPubSub(redisClient, "")
		transport = pubsub
		queue = redis.NewJobQueue(redisClient, "")
		background(func(ctx context.Context) { relay(ctx, pubsub, hub, clock) })

		instanceRegistry := redis.NewInstanceRegistry(redisClient, clock, instanceID, cfg.InstanceHeartbeat, version.Get().Version, hub.Connections)
		background(instanceRegistry.Start)
		instances = instanceRegistry

		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	} else {
		slog.Info("REDIS_URL not set, running single-instance with in-process transport and queue")
		memoryQueue := jobs.NewMemoryQueue(memoryQueueLength)
		defer memoryQueue.Close()
		queue = memoryQueue
	}

	debouncer := debounce.New(clock, broadcastMetrics.DebounceSuperseded)
	reporter := broadcast.SlogReporter{}
	broadcaster := broadcast.New(transport, clock, broadcastMetrics, broadcast.Options{
		Queue:     queue,
		QueueName: cfg.BroadcastQueue,
		Debouncer: debouncer,
		Window:    cfg.BroadcastDebounce,
		Disabled:  cfg.BroadcastDisabled,
		Reporter:  reporter,
	})

	runner := jobs.NewRunner(queue, broadcaster, reporter, clock, broadcastMetrics, jobs.RunnerConfig{
		Queue:       cfg.BroadcastQueue,
		Workers:     cfg.BroadcastWorkers,
		MaxAttempts: cfg.BroadcastMaxAttempts,
		Backoff:     cfg.BroadcastRetryBackoff,
		MaxBackoff:  jobMaxBackoff,
	})
	background(runner.Run)

	authorizer := gateway.NewSessionAuthorizer(gateway.NewCookieStore(cfg.SessionSecret, cfg.IsProduction()))
	checkOrigin := gateway.NewCheckOrigin(cfg.AllowedOrigin, !cfg.IsProduction())
	limits := gateway.NewConnectionLimits(clock, cfg.MaxConnectionsPerIP, cfg.ConnectionRatePerIP, cfg.ConnectionBurstPerIP)
	cable := gateway.NewHandler(hub, signer, authorizer, wsMetrics, checkOrigin).WithLimits(limits)

	srv := httpserver.NewServer(cfg, broadcaster, signer, cable, metrics.Handler(registry), httpMetrics, healthChecks).
		WithInstances(instances)

	done := runGracefulShutdown(shutdownDeps{
		srv:         srv,
		hub:         hub,
		debouncer:   debouncer,
		stopWorkers: stopWorkers,
		workers:     &workers,
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
