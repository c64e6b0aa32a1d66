package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/adapter/redis"
	"github.com/pscheid92/streamcast/internal/broadcast"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/platform/config"
)

type publisher interface {
	PublishNow(ctx context.Context, msg broadcast.Message) error
	PublishLater(ctx context.Context, msg broadcast.Message) error
	PublishDebounced(ctx context.Context, msg broadcast.Message)
}

// InstanceLister reports the instances currently serving this deployment.
type InstanceLister interface {
	Active(ctx context.Context) ([]redis.InstanceInfo, error)
}

type streamSigner interface {
	SignStreamables(streamables ...any) (domain.ChannelName, string, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	publisher publisher
	signer    streamSigner

	cableHandler   http.Handler
	metricsHandler http.Handler
	httpMetrics    *metrics.HTTPMetrics
	instances      InstanceLister

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, publisher publisher, signer streamSigner, cableHandler http.Handler, metricsHandler http.Handler, httpMetrics *metrics.HTTPMetrics, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		publisher:      publisher,
		signer:         signer,
		cableHandler:   cableHandler,
		metricsHandler: metricsHandler,
		httpMetrics:    httpMetrics,
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// WithInstances enables GET /api/instances.
func (s *Server) WithInstances(instances InstanceLister) *Server {
	s.instances = instances
	return s
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
