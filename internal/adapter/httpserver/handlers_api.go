package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/streamcast/internal/broadcast"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/platform/correlation"
	apperrors "github.com/pscheid92/streamcast/internal/platform/errors"
	"github.com/pscheid92/streamcast/internal/stream"
)

const (
	ModeNow       = "now"
	ModeLater     = "later"
	ModeDebounced = "debounced"
)

type signRequest struct {
	Streamables []any `json:"streamables"`
}

type signResponse struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

type broadcastRequest struct {
	Streamables []any           `json:"streamables"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	RequestID   string          `json:"requestId"`
	Mode        string          `json:"mode"`
}

type broadcastResponse struct {
	Status    string `json:"status"`
	Channel   string `json:"channel"`
	Mode      string `json:"mode"`
	RequestID string `json:"requestId"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", newRateLimiter(apiRatePerSecond, apiBurst), requireAPIKey(s.config.APIKey))
	api.POST("/streams/sign", s.handleSign)
	api.POST("/broadcasts", s.handleBroadcast)
	api.GET("/instances", s.handleInstances)
}

func (s *Server) handleInstances(c echo.Context) error {
	if s.instances == nil {
		return echo.ErrNotFound
	}

	active, err := s.instances.Active(c.Request().Context())
	if err != nil {
		return apperrors.ExternalError("failed to list instances", err)
	}

	if err := c.JSON(http.StatusOK, map[string]any{"instances": active}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSign(c echo.Context) error {
	var req signRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	channel, token, err := s.signer.SignStreamables(req.Streamables...)
	if err != nil {
		return apperrors.ValidationError("streamables do not name a channel")
	}

	if err := c.JSON(http.StatusOK, signResponse{Channel: string(channel), Token: token}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleBroadcast(c echo.Context) error {
	ctx := c.Request().Context()

	var req broadcastRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	channel := stream.Name(req.Streamables...)
	if channel == "" {
		return apperrors.ValidationError("streamables do not name a channel")
	}
	if req.Event == "" {
		return apperrors.ValidationError("event is required").WithField("channel", string(channel))
	}
	if req.Mode == "" {
		req.Mode = ModeNow
	}
	if req.RequestID == "" {
		req.RequestID, _ = correlation.ID(ctx)
	}

	msg := broadcast.Message{
		Streamables: req.Streamables,
		Event:       domain.EventKind(req.Event),
		Payload:     req.Payload,
		RequestID:   req.RequestID,
	}

	status := http.StatusAccepted
	resp := broadcastResponse{Channel: string(channel), Mode: req.Mode, RequestID: req.RequestID}

	switch req.Mode {
	case ModeNow:
		if err := s.publisher.PublishNow(ctx, msg); err != nil {
			return publishError(err, channel)
		}
		status, resp.Status = http.StatusOK, "published"
	case ModeLater:
		if err := s.publisher.PublishLater(ctx, msg); err != nil {
			return publishError(err, channel)
		}
		resp.Status = "enqueued"
	case ModeDebounced:
		s.publisher.PublishDebounced(ctx, msg)
		resp.Status = "scheduled"
	default:
		return apperrors.ValidationError("mode must be one of now, later, debounced").WithField("mode", req.Mode)
	}

	if err := c.JSON(status, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func bindJSON(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return WrapHTTPError(httpErr)
		}
		return apperrors.ValidationError("invalid request body")
	}
	return nil
}

func publishError(err error, channel domain.ChannelName) error {
	var pubErr *domain.PublishError
	if errors.As(err, &pubErr) || errors.Is(err, domain.ErrTransportUnavailable) {
		return apperrors.ExternalError("broadcast transport unavailable", err).WithField("channel", string(channel))
	}
	return apperrors.InternalError("failed to broadcast", err).WithField("channel", string(channel))
}
