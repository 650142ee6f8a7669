package slot

import (
	"time"

	"tasting/cmd/identity"
)

// Session is the lease of one slot by one operator.
type Session struct {
	SlotID        int
	LeaseID       string
	OperatorID    string
	OperatorName  string
	OperatorRole  identity.Role
	ClientInfo    map[string]string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

func (s Session) clone() Session {
	if s.ClientInfo != nil {
		ci := make(map[string]string, len(s.ClientInfo))
		for k, v := range s.ClientInfo {
			ci[k] = v
		}
		s.ClientInfo = ci
	}
	return s
}

// Op is a change-feed operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	// OpResync tells consumers that events may have been missed and the
	// snapshot must be reloaded. It carries no session.
	OpResync Op = "resync"
)

// Change is one row-level event.
type Change struct {
	Op      Op
	Session Session
}

// ChangeSink receives changes. Implementations must not block.
type ChangeSink func(Change)

// Cell is one station in the grid view.
type Cell struct {
	Position
	Session *Session
}
