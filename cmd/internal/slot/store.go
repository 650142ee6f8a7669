package slot

import (
	"context"
	"time"
)

// Store is the slot session registry. Every implementation enforces at most
// one row per slot id.
type Store interface {
	// Upsert writes s as the slot's session, replacing any holder. It returns
	// the replaced session, if one was observed.
	Upsert(ctx context.Context, s Session) (*Session, error)

	// Touch refreshes last_heartbeat when the slot still carries leaseID.
	Touch(ctx context.Context, slotID int, leaseID string, now time.Time) (bool, error)

	// Delete removes the slot's row when it carries leaseID ("" matches any lease).
	Delete(ctx context.Context, slotID int, leaseID string) (Session, bool, error)

	Get(ctx context.Context, slotID int) (Session, bool, error)

	// List returns all sessions ordered by slot id.
	List(ctx context.Context) ([]Session, error)

	// DeleteStale removes sessions whose last heartbeat is before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) ([]Session, error)

	// Watch streams changes to sink until ctx is done. Changes for the same
	// slot arrive in commit order. OpResync is delivered once the
	// subscription is live and again after every reconnect.
	Watch(ctx context.Context, sink ChangeSink) error
}
