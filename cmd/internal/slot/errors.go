package slot

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps every registry failure. Callers must not read
	// it as "slot free".
	ErrStoreUnavailable = errors.New("slot registry unavailable")

	// ErrSlotOccupied is the kind behind *SlotConflictError.
	ErrSlotOccupied = errors.New("slot occupied")

	// ErrEvictionNotAuthorized is returned before any write when a non-admin
	// attempts a forced eviction.
	ErrEvictionNotAuthorized = errors.New("eviction requires an administrator")
)

// SlotConflictError reports that a free slot was required but someone holds it.
type SlotConflictError struct {
	SlotID int
	Holder Session
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %d: %v by %s", e.SlotID, ErrSlotOccupied, e.Holder.OperatorName)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotOccupied }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
