package slot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Watch sinks are invoked under the
// store mutex, so they observe changes in exactly the order they were applied.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int]Session

	sinks  map[int]ChangeSink
	nextID int
}

// NewMemoryStore constructs an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int]Session),
		sinks:    make(map[int]ChangeSink),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, s Session) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s = s.clone()
	old, had := m.sessions[s.SlotID]
	m.sessions[s.SlotID] = s

	switch {
	case !had:
		m.emitLocked(Change{Op: OpInsert, Session: s})
		return nil, nil
	case old.LeaseID == s.LeaseID:
		m.emitLocked(Change{Op: OpUpdate, Session: s})
	default:
		m.emitLocked(Change{Op: OpDelete, Session: old})
		m.emitLocked(Change{Op: OpInsert, Session: s})
	}
	prev := old.clone()
	return &prev, nil
}

func (m *MemoryStore) Touch(ctx context.Context, slotID int, leaseID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[slotID]
	if !ok || s.LeaseID != leaseID {
		return false, nil
	}
	s.LastHeartbeat = now
	m.sessions[slotID] = s
	m.emitLocked(Change{Op: OpUpdate, Session: s})
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, slotID int, leaseID string) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[slotID]
	if !ok || (leaseID != "" && s.LeaseID != leaseID) {
		return Session{}, false, nil
	}
	delete(m.sessions, slotID)
	m.emitLocked(Change{Op: OpDelete, Session: s})
	return s.clone(), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, slotID int) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[slotID]
	return s.clone(), ok, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (m *MemoryStore) DeleteStale(ctx context.Context, cutoff time.Time) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Session
	for id, s := range m.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, s)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].SlotID < removed[j].SlotID })
	for _, s := range removed {
		m.emitLocked(Change{Op: OpDelete, Session: s})
	}
	return removed, nil
}

func (m *MemoryStore) Watch(ctx context.Context, sink ChangeSink) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.sinks[id] = sink
	sink(Change{Op: OpResync})
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.sinks, id)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *MemoryStore) emitLocked(c Change) {
	for _, sink := range m.sinks {
		sink(Change{Op: c.Op, Session: c.Session.clone()})
	}
}
