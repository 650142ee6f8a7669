package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"tasting/cmd/identity"
)

// MemoryStore is an in-process Store for dev mode and tests.
// A single mutex serializes every mutation, which makes RegisterUnknown atomic.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]Device
	roles   identity.RoleStore
}

// NewMemoryStore constructs an empty registry. roles receives the bootstrap
// promotion; it may be nil when no account store is wired.
func NewMemoryStore(roles identity.RoleStore) *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]Device),
		roles:   roles,
	}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[fingerprint]
	if !ok {
		return Device{}, notFound("device.Get")
	}
	return d.clone(), nil
}

func (s *MemoryStore) RegisterUnknown(ctx context.Context, in RegisterInput) (Device, RegisterOutcome, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, 0, err
	}
	if in.Fingerprint == "" {
		return Device{}, 0, identity.Invalid("device.RegisterUnknown", "empty fingerprint")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[in.Fingerprint]; ok {
		return d.clone(), OutcomeExisting, nil
	}

	d := Device{
		Fingerprint:       in.Fingerprint,
		FirstRegisteredAt: now,
		LastSeenAt:        now,
	}
	if in.UserID != "" {
		owner := in.UserID
		d.OwningUserID = &owner
	}

	outcome := OutcomePending
	if in.UserID != "" && s.countActiveLocked() == 0 {
		if s.roles != nil {
			if err := s.roles.SetRole(ctx, in.UserID, identity.RoleAdmin, now); err != nil {
				return Device{}, 0, err
			}
		}
		d.Active = true
		outcome = OutcomeBootstrapped
	}

	s.devices[d.Fingerprint] = d
	return d.clone(), outcome, nil
}

func (s *MemoryStore) Touch(ctx context.Context, fingerprint, userID string, now time.Time) (Device, error) {
	return s.update(ctx, "device.Touch", fingerprint, func(d *Device) error {
		d.LastSeenAt = now
		if d.OwningUserID == nil && userID != "" {
			owner := userID
			d.OwningUserID = &owner
		}
		return nil
	})
}

func (s *MemoryStore) SetActive(ctx context.Context, fingerprint string, active bool) (Device, error) {
	return s.update(ctx, "device.SetActive", fingerprint, func(d *Device) error {
		d.Active = active
		return nil
	})
}

func (s *MemoryStore) AssignSlot(ctx context.Context, fingerprint string, slot *int) (Device, error) {
	return s.update(ctx, "device.AssignSlot", fingerprint, func(d *Device) error {
		if slot == nil {
			d.AssignedSlot = nil
			return nil
		}
		for fp, other := range s.devices {
			if fp != fingerprint && other.AssignedSlot != nil && *other.AssignedSlot == *slot {
				return identity.ConflictError{Op: "device.AssignSlot", Field: "assigned_slot"}
			}
		}
		v := *slot
		d.AssignedSlot = &v
		return nil
	})
}

func (s *MemoryStore) Rename(ctx context.Context, fingerprint, name string) (Device, error) {
	return s.update(ctx, "device.Rename", fingerprint, func(d *Device) error {
		d.DisplayName = name
		return nil
	})
}

func (s *MemoryStore) List(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstRegisteredAt.Equal(out[j].FirstRegisteredAt) {
			return out[i].FirstRegisteredAt.Before(out[j].FirstRegisteredAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(), nil
}

func (s *MemoryStore) countActiveLocked() int {
	n := 0
	for _, d := range s.devices {
		if d.Active {
			n++
		}
	}
	return n
}

func (s *MemoryStore) update(ctx context.Context, op, fingerprint string, fn func(*Device) error) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[fingerprint]
	if !ok {
		return Device{}, notFound(op)
	}
	if err := fn(&d); err != nil {
		return Device{}, err
	}
	s.devices[fingerprint] = d
	return d.clone(), nil
}
