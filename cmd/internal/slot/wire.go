package slot

import (
	"encoding/json"
	"fmt"
	"time"

	"tasting/cmd/identity"
)

// wireRow is the JSON shape of a session row, shared by the Postgres NOTIFY
// payload (row_to_json) and the Redis documents.
type wireRow struct {
	SlotID          int               `json:"slot_id"`
	LeaseID         string            `json:"lease_id"`
	OperatorID      string            `json:"operator_id"`
	OperatorName    string            `json:"operator_name"`
	OperatorRole    string            `json:"operator_role"`
	ClientInfo      map[string]string `json:"client_info"`
	StartedAt       time.Time         `json:"started_at"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
	LastHeartbeatMS int64             `json:"last_heartbeat_ms,omitempty"`
}

type wireChange struct {
	Op  Op      `json:"op"`
	Row wireRow `json:"row"`
}

func toWire(s Session) wireRow {
	return wireRow{
		SlotID:          s.SlotID,
		LeaseID:         s.LeaseID,
		OperatorID:      s.OperatorID,
		OperatorName:    s.OperatorName,
		OperatorRole:    string(s.OperatorRole),
		ClientInfo:      s.ClientInfo,
		StartedAt:       s.StartedAt.UTC(),
		LastHeartbeat:   s.LastHeartbeat.UTC(),
		LastHeartbeatMS: s.LastHeartbeat.UnixMilli(),
	}
}

func (w wireRow) session() Session {
	return Session{
		SlotID:        w.SlotID,
		LeaseID:       w.LeaseID,
		OperatorID:    w.OperatorID,
		OperatorName:  w.OperatorName,
		OperatorRole:  identity.Role(w.OperatorRole),
		ClientInfo:    w.ClientInfo,
		StartedAt:     w.StartedAt.UTC(),
		LastHeartbeat: w.LastHeartbeat.UTC(),
	}
}

func decodeChange(payload string) (Change, error) {
	var wc wireChange
	if err := json.Unmarshal([]byte(payload), &wc); err != nil {
		return Change{}, fmt.Errorf("slot: decode change: %w", err)
	}
	switch wc.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Change{}, fmt.Errorf("slot: unknown change op %q", wc.Op)
	}
	return Change{Op: wc.Op, Session: wc.Row.session()}, nil
}
