package identity

import (
	"context"
	"sync"
	"time"
)

// RoleStore persists the role granted to each account. Accounts without a
// stored role fall back to the role carried by their access token.
type RoleStore interface {
	Role(ctx context.Context, userID string) (Role, bool, error)
	SetRole(ctx context.Context, userID string, role Role, now time.Time) error
}

// MemoryRoleStore is a process-local RoleStore for dev mode and tests.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewMemoryRoleStore constructs an empty MemoryRoleStore.
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]Role)}
}

func (s *MemoryRoleStore) Role(_ context.Context, userID string) (Role, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[userID]
	return r, ok, nil
}

func (s *MemoryRoleStore) SetRole(_ context.Context, userID string, role Role, _ time.Time) error {
	userID = NormalizeUserID(userID)
	if userID == "" {
		return Invalid("identity.SetRole", "empty user id")
	}
	if !role.Valid() {
		return Invalid("identity.SetRole", "unknown role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[userID] = role
	return nil
}

// ResolvePrincipal applies the stored role (when one exists) over the role
// carried by the token. Store failures are returned, never defaulted.
func ResolvePrincipal(ctx context.Context, roles RoleStore, p Principal) (Principal, error) {
	if roles == nil || p.IsZero() {
		return p, nil
	}
	stored, ok, err := roles.Role(ctx, p.UserID)
	if err != nil {
		return Principal{}, err
	}
	if ok {
		p.Role = stored
	}
	return p, nil
}
