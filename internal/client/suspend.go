package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// DetectSuspend notices that the process was not scheduled for a while, as after a
// laptop sleep or SIGSTOP, and reports how long. A tick that arrives more than one
// extra interval late counts as a suspension. It returns when ctx is cancelled.
func DetectSuspend(ctx context.Context, clock clockwork.Clock, tick time.Duration, onResume func(hidden time.Duration)) {
	for {
		start := clock.Now()
		select {
		case <-ctx.Done():
			return
		case <-clock.After(tick):
		}

		if late := clock.Since(start) - tick; late > tick {
			onResume(late)
		}
	}
}
