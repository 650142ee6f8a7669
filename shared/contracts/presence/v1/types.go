// Package v1 defines the presence feed protocol spoken on /ws/presence.
//
// The package has no dependencies beyond the standard library so station and
// console clients can share it with the server.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "tasting.presence.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms authentication (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSnapshot carries the full grid (server -> client), sent after
	// hello_ack and in answer to TypeSnapshotRequest.
	TypeSnapshot = "snapshot"
	// TypeSnapshotRequest asks for a fresh snapshot (client -> server).
	TypeSnapshotRequest = "snapshot_request"

	// TypeSlotChange is one row-level change (server -> client).
	TypeSlotChange = "slot_change"
	// TypeResyncRequired means events were lost; the client must reload the
	// snapshot before trusting further changes (server -> client).
	TypeResyncRequired = "resync_required"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Change operations carried by SlotChangePayload.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSnapshot,
		TypeSnapshotRequest,
		TypeSlotChange,
		TypeResyncRequired,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the bearer token used for the HTTP API.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload identifies the connection and the authenticated user.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Session is the wire form of an occupied slot.
type Session struct {
	SlotID        int               `json:"slot_id"`
	Group         int               `json:"group"`
	Position      int               `json:"position"`
	Chair         bool              `json:"chair"`
	OperatorID    string            `json:"operator_id"`
	OperatorName  string            `json:"operator_name"`
	OperatorRole  string            `json:"operator_role"`
	ClientInfo    map[string]string `json:"client_info,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// SnapshotPayload lists every occupied slot, ordered by slot id.
type SnapshotPayload struct {
	Slots     int       `json:"slots"`
	GroupSize int       `json:"group_size"`
	Sessions  []Session `json:"sessions"`
}

// SlotChangePayload is one insert, update or delete. Delete carries the
// removed row.
type SlotChangePayload struct {
	Op      string  `json:"op"`
	Session Session `json:"session"`
}

// ResyncRequiredPayload explains why the client must reload.
type ResyncRequiredPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Apply folds a change into a snapshot's session list, keeping it ordered by
// slot id. Clients use it to maintain their local grid.
func Apply(sessions []Session, c SlotChangePayload) []Session {
	idx := -1
	for i, s := range sessions {
		if s.SlotID == c.Session.SlotID {
			idx = i
			break
		}
	}

	switch c.Op {
	case OpDelete:
		if idx >= 0 {
			sessions = append(sessions[:idx], sessions[idx+1:]...)
		}
		return sessions
	case OpInsert, OpUpdate:
		if idx >= 0 {
			sessions[idx] = c.Session
			return sessions
		}
		pos := len(sessions)
		for i, s := range sessions {
			if s.SlotID > c.Session.SlotID {
				pos = i
				break
			}
		}
		sessions = append(sessions, Session{})
		copy(sessions[pos+1:], sessions[pos:])
		sessions[pos] = c.Session
		return sessions
	default:
		return sessions
	}
}
