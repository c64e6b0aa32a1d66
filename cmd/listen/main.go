// Command listen subscribes to one or more signed streams and prints every envelope
// as a JSON line on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/client"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/platform/logging"
)

const suspendTick = time.Second

type tokenList []string

func (l *tokenList) String() string { return strings.Join(*l, ",") }

func (l *tokenList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type printedEnvelope struct {
	Token string `json:"token"`
	domain.Envelope
}

type listener struct {
	manager *client.Manager
	tokens  []string

	mu  sync.Mutex
	out *json.Encoder
}

func (l *listener) subscribeAll(ctx context.Context) {
	for _, token := range l.tokens {
		if _, err := l.manager.Subscribe(ctx, token, l.printer(token)); err != nil {
			// the subscription stays registered and the monitor restores it
			slog.Warn("Subscribe failed, will retry on reconnect", "error", err)
		}
	}
}

func (l *listener) printer(token string) client.MessageHandler {
	return func(env domain.Envelope) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if err := l.out.Encode(printedEnvelope{Token: shorten(token), Envelope: env}); err != nil {
			slog.Error("Failed to write envelope", "error", err)
		}
	}
}

// resume applies a recovery decision after the process was suspended.
func (l *listener) resume(ctx context.Context, clock clockwork.Clock, strategy client.Strategy, hidden time.Duration) {
	decision := strategy.Decide(hidden)
	slog.Info("Resumed after suspension", "hidden", hidden, "action", decision.Action.String(), "delay", decision.Delay)

	if decision.Action == client.ActionNone {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-clock.After(decision.Delay):
	}

	switch decision.Action {
	case client.ActionSync:
		if err := l.manager.Reconnect(ctx); err != nil {
			slog.Warn("Reconnect after suspension failed", "error", err)
		}
	case client.ActionRefresh:
		// state may be arbitrarily stale: drop everything and start over
		l.manager.Disconnect()
		l.subscribeAll(ctx)
	}
}

func shorten(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "…"
}

func main() {
	var (
		tokens   tokenList
		url      = flag.String("url", envOr("STREAMCAST_URL", "ws://localhost:8080/cable"), "WebSocket endpoint (or set STREAMCAST_URL)")
		cookie   = flag.String("cookie", "", "Cookie header sent with the upgrade request")
		origin   = flag.String("origin", "", "Origin header sent with the upgrade request")
		strategy = flag.String("strategy", "default", "Suspension recovery strategy: default or aggressive")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
		format   = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Var(&tokens, "token", "Signed stream name to subscribe to (repeatable)")
	flag.Parse()

	if len(tokens) == 0 {
		log.Fatal("At least one --token is required")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	// logs go to stderr so stdout carries only envelopes
	slog.SetDefault(logging.New(os.Stderr, level, *format))

	recovery := client.DefaultStrategy()
	switch *strategy {
	case "default":
	case "aggressive":
		recovery = client.AggressiveSuspendStrategy()
	default:
		log.Fatalf("Unknown strategy %q", *strategy)
	}

	header := http.Header{}
	if *cookie != "" {
		header.Set("Cookie", *cookie)
	}
	if *origin != "" {
		header.Set("Origin", *origin)
	}

	clock := clockwork.NewRealClock()
	manager := client.NewManager(client.Options{
		URL:    *url,
		Header: header,
		Clock:  clock,
		OnReject: func(token, reason string) {
			slog.Error("Subscription rejected", "token", shorten(token), "reason", reason)
		},
	})
	defer manager.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := &listener{manager: manager, tokens: tokens, out: json.NewEncoder(os.Stdout)}
	l.subscribeAll(ctx)

	cfg := client.DefaultMonitorConfig()
	cfg.OnAttempt = func(_ int, _ time.Duration, err error) {
		if err == nil {
			slog.Debug("Resubscribed", "identity", manager.Identity(), "subscriptions", len(tokens))
		}
	}
	go client.NewMonitor(manager, clock, cfg).Run(ctx)
	go client.DetectSuspend(ctx, clock, suspendTick, func(hidden time.Duration) {
		l.resume(ctx, clock, recovery, hidden)
	})

	slog.Info("Listening", "url", *url, "subscriptions", len(tokens))
	<-ctx.Done()
	fmt.Fprintln(os.Stderr)
	slog.Info("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
