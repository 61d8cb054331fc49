package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConnectFunc opens a sink once.
type ConnectFunc func(ctx context.Context) (Sink, error)

// Connect calls connect up to attempts times, sleeping delay(n) after the n-th
// failure. A protocol mismatch is not retried since another attempt would
// meet the same peer.
func Connect(ctx context.Context, attempts int, delay func(attempt int) time.Duration, logger *slog.Logger, connect ConnectFunc) (Sink, error) {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	for attempt := 1; ; attempt++ {
		var sink Sink
		sink, err = connect(ctx)
		if err == nil {
			return sink, nil
		}
		if errors.Is(err, ErrProtocolMismatch) || attempt >= attempts {
			break
		}

		wait := delay(attempt)
		logger.Warn("device connection failed, retrying",
			"component", "device",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", wait,
			"err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		}
	}
	return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
}
