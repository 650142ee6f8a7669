package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tasting/cmd/internal/metrics"
	"tasting/cmd/internal/slot"
)

// Source is the read side of the slot service used to rebuild state after a
// resync.
type Source interface {
	ListActive(ctx context.Context) ([]slot.Session, error)
	Layout() slot.Layout
}

// Occupancy mirrors which slots are held, kept current from the feed.
type Occupancy struct {
	mu       sync.Mutex
	occupied map[int]struct{}

	retry   *backoff.ExponentialBackOff
	pending *time.Timer
}

// OccupancyOption configures TrackOccupancy.
type OccupancyOption func(*Occupancy)

// WithReloadRetry sets the first delay before a failed reload is retried.
// Later attempts back off up to 30s.
func WithReloadRetry(d time.Duration) OccupancyOption {
	return func(o *Occupancy) {
		if d > 0 {
			o.retry.InitialInterval = d
			o.retry.Reset()
		}
	}
}

// Len returns the number of occupied slots last observed.
func (o *Occupancy) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.occupied)
}

// TrackOccupancy subscribes to b and keeps the active-slots gauge current
// until ctx is done. A reload that fails is retried with backoff until one
// succeeds.
func TrackOccupancy(ctx context.Context, b *Broker, src Source, m *metrics.Metrics, log *slog.Logger, opts ...OccupancyOption) *Occupancy {
	if log == nil {
		log = slog.Default()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.Reset()

	o := &Occupancy{occupied: make(map[int]struct{}), retry: retry}
	for _, opt := range opts {
		opt(o)
	}

	var sub *Subscription
	sub = b.SubscribeFeed(func(ev Event) {
		o.mu.Lock()
		defer o.mu.Unlock()

		switch ev.Op {
		case slot.OpInsert, slot.OpUpdate:
			o.occupied[ev.Session.SlotID] = struct{}{}
		case slot.OpDelete:
			delete(o.occupied, ev.Session.SlotID)
		case slot.OpResync:
			active, err := src.ListActive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if o.pending == nil {
					delay := o.retry.NextBackOff()
					log.Warn("presence.occupancy.reload.fail", "err", err, "retry_in", delay)
					o.pending = time.AfterFunc(delay, func() {
						o.mu.Lock()
						o.pending = nil
						o.mu.Unlock()
						if ctx.Err() == nil {
							sub.Resync(ev.Reason)
						}
					})
				}
				return
			}
			o.retry.Reset()
			o.occupied = make(map[int]struct{}, len(active))
			for _, s := range active {
				o.occupied[s.SlotID] = struct{}{}
			}
		}
		m.SetSlotsActive(len(o.occupied))
	})
	sub.Resync(ReasonInitial)

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		if o.pending != nil {
			o.pending.Stop()
		}
		o.mu.Unlock()
		sub.Close()
	}()
	return o
}
