package api

import (
	"time"

	"tasting/cmd/internal/device"
	"tasting/cmd/internal/slot"
)

// ---- requests ----

type accessRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required,max=128"`
}

type selfAssignRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required,max=128"`
	Slot        int    `json:"slot" validate:"gte=1"`
}

type assignRequest struct {
	// Slot nil clears the assignment.
	Slot *int `json:"slot" validate:"omitempty,gte=1"`
}

type renameRequest struct {
	Name string `json:"name" validate:"max=512"`
}

type loginRequest struct {
	Fingerprint string            `json:"fingerprint" validate:"required,max=128"`
	ClientInfo  map[string]string `json:"client_info" validate:"omitempty,max=16"`
	RequireFree bool              `json:"require_free"`
}

type leaseRequest struct {
	LeaseID string `json:"lease_id" validate:"required,max=64"`
}

// ---- responses ----

type deviceResponse struct {
	Fingerprint       string    `json:"fingerprint"`
	OwningUserID      *string   `json:"owning_user_id"`
	Active            bool      `json:"active"`
	AssignedSlot      *int      `json:"assigned_slot"`
	DisplayName       string    `json:"display_name"`
	FirstRegisteredAt time.Time `json:"first_registered_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

type accessResponse struct {
	Allowed      bool           `json:"allowed"`
	Reason       string         `json:"reason,omitempty"`
	Bootstrapped bool           `json:"bootstrapped"`
	Device       deviceResponse `json:"device"`
}

type sessionResponse struct {
	SlotID        int               `json:"slot_id"`
	LeaseID       string            `json:"lease_id,omitempty"`
	OperatorID    string            `json:"operator_id"`
	OperatorName  string            `json:"operator_name"`
	OperatorRole  string            `json:"operator_role"`
	ClientInfo    map[string]string `json:"client_info,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

type loginResponse struct {
	Session           sessionResponse `json:"session"`
	Position          slot.Position   `json:"position"`
	HeartbeatInterval string          `json:"heartbeat_interval"`
}

type cellResponse struct {
	slot.Position
	Session *sessionResponse `json:"session"`
}

type gridResponse struct {
	Slots     int            `json:"slots"`
	GroupSize int            `json:"group_size"`
	Cells     []cellResponse `json:"cells"`
}

type slotResponse struct {
	Position slot.Position    `json:"position"`
	Occupied bool             `json:"occupied"`
	Session  *sessionResponse `json:"session"`
}

func toDeviceResponse(d device.Device) deviceResponse {
	return deviceResponse{
		Fingerprint:       d.Fingerprint,
		OwningUserID:      d.OwningUserID,
		Active:            d.Active,
		AssignedSlot:      d.AssignedSlot,
		DisplayName:       d.DisplayName,
		FirstRegisteredAt: d.FirstRegisteredAt,
		LastSeenAt:        d.LastSeenAt,
	}
}

// toSessionResponse omits the lease: only the holder learns it, from login.
func toSessionResponse(s slot.Session) sessionResponse {
	return sessionResponse{
		SlotID:        s.SlotID,
		OperatorID:    s.OperatorID,
		OperatorName:  s.OperatorName,
		OperatorRole:  s.OperatorRole.String(),
		ClientInfo:    s.ClientInfo,
		StartedAt:     s.StartedAt,
		LastHeartbeat: s.LastHeartbeat,
	}
}
