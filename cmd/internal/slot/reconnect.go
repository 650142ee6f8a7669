package slot

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newReconnectBackOff is the delay policy for change-stream reconnects.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// reconnectLoop runs once until ctx ends. once reports whether it got as far
// as a live subscription; that resets the delay.
func reconnectLoop(ctx context.Context, log *slog.Logger, event, channel string, once func(context.Context) (bool, error)) error {
	b := newReconnectBackOff()
	for {
		live, err := once(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if live {
			b.Reset()
		}

		delay := b.NextBackOff()
		log.Warn(event, "channel", channel, "err", err, "backoff", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
