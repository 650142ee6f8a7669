package slot

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls svc.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, svc *Service, interval time.Duration, log *slog.Logger) {
	if svc == nil || svc.stale <= 0 {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	log.Info("slot.sweeper.start", "interval", interval, "stale_after", svc.stale)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.Sweep(ctx); err != nil {
				log.Error("slot.sweeper.fail", "err", err)
			}
		}
	}
}
