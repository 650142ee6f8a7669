package device

import (
	"context"
	"time"
)

// RegisterOutcome tells the engine what RegisterUnknown did.
type RegisterOutcome uint8

const (
	// OutcomeExisting: a concurrent caller registered the fingerprint first;
	// the returned Device is that row, unchanged.
	OutcomeExisting RegisterOutcome = iota
	// OutcomePending: inserted inactive, awaiting an administrator.
	OutcomePending
	// OutcomeBootstrapped: inserted active and the user was promoted to admin.
	OutcomeBootstrapped
)

// RegisterInput describes a first sighting of a fingerprint.
type RegisterInput struct {
	Fingerprint string
	UserID      string
	Now         time.Time
}

// Store is the device registry persistence boundary.
//
// RegisterUnknown must be atomic with respect to other RegisterUnknown calls:
// the "no active device" check, the insert and the admin promotion happen as
// one unit, so at most one bootstrap can ever succeed on an empty registry.
type Store interface {
	Get(ctx context.Context, fingerprint string) (Device, error)
	RegisterUnknown(ctx context.Context, in RegisterInput) (Device, RegisterOutcome, error)

	// Touch sets last_seen_at and adopts userID as owner when none is recorded.
	Touch(ctx context.Context, fingerprint, userID string, now time.Time) (Device, error)

	SetActive(ctx context.Context, fingerprint string, active bool) (Device, error)
	AssignSlot(ctx context.Context, fingerprint string, slot *int) (Device, error)
	Rename(ctx context.Context, fingerprint, name string) (Device, error)

	List(ctx context.Context) ([]Device, error)
	CountActive(ctx context.Context) (int, error)
}
