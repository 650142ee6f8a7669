package device

import "time"

// Device is one registry row, keyed by fingerprint.
type Device struct {
	Fingerprint       string
	OwningUserID      *string
	Active            bool
	AssignedSlot      *int
	DisplayName       string
	FirstRegisteredAt time.Time
	LastSeenAt        time.Time
}

func (d Device) clone() Device {
	if d.OwningUserID != nil {
		v := *d.OwningUserID
		d.OwningUserID = &v
	}
	if d.AssignedSlot != nil {
		v := *d.AssignedSlot
		d.AssignedSlot = &v
	}
	return d
}

// Reason explains a denied access decision.
type Reason string

const (
	ReasonPendingApproval Reason = "pending administrator approval"
	ReasonNotAuthorized   Reason = "device not authorized"
)

// Decision is the outcome of CheckAccess.
type Decision struct {
	Allowed      bool
	Reason       Reason
	Device       Device
	Bootstrapped bool
}

// Err returns an *AccessDeniedError for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AccessDeniedError{Fingerprint: d.Device.Fingerprint, Reason: d.Reason}
}

// Outcome is the metrics/log label for the decision.
func (d Decision) Outcome() string {
	switch {
	case d.Bootstrapped:
		return "bootstrap"
	case d.Allowed:
		return "allowed"
	case d.Reason == ReasonPendingApproval:
		return "pending"
	default:
		return "denied"
	}
}
