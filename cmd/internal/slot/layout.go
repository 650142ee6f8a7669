package slot

import (
	"fmt"

	"tasting/cmd/identity"
)

// Layout describes the station pool: Slots seats split into panels of GroupSize.
type Layout struct {
	Slots     int
	GroupSize int
}

// DefaultLayout is 25 stations in five panels of five.
var DefaultLayout = Layout{Slots: 25, GroupSize: 5}

// Validate rejects non-positive dimensions.
func (l Layout) Validate() error {
	if l.Slots <= 0 {
		return fmt.Errorf("slot layout: slots must be positive, got %d", l.Slots)
	}
	if l.GroupSize <= 0 {
		return fmt.Errorf("slot layout: group size must be positive, got %d", l.GroupSize)
	}
	return nil
}

// Groups returns the number of panels (the last one may be partial).
func (l Layout) Groups() int {
	return (l.Slots + l.GroupSize - 1) / l.GroupSize
}

// Position is where a slot sits within its panel.
type Position struct {
	SlotID  int  `json:"slot_id"`
	Group   int  `json:"group"`
	InGroup int  `json:"position"`
	Chair   bool `json:"chair"`
}

// Position places slotID, which must be within 1..Slots.
func (l Layout) Position(slotID int) (Position, error) {
	if err := l.Check(slotID); err != nil {
		return Position{}, err
	}
	return l.place(slotID), nil
}

// Check validates the slot range.
func (l Layout) Check(slotID int) error {
	if slotID < 1 || slotID > l.Slots {
		return identity.Invalid("slot.Check", fmt.Sprintf("slot %d outside 1..%d", slotID, l.Slots))
	}
	return nil
}

func (l Layout) place(slotID int) Position {
	size := l.GroupSize
	if size <= 0 {
		size = 1
	}
	in := ((slotID - 1) % size) + 1
	return Position{
		SlotID:  slotID,
		Group:   (slotID + size - 1) / size,
		InGroup: in,
		Chair:   in == 1,
	}
}
