package broadcast

import (
	"context"
	"log/slog"
)

// SlogReporter reports failures to the default logger.
type SlogReporter struct{}

func (SlogReporter) Report(ctx context.Context, err error, attrs ...any) {
	slog.ErrorContext(ctx, "Broadcast failed", append(attrs, "error", err)...)
}
