package identity

import (
	"strings"
)

// Role is the closed set of operator roles known to the system.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOrganizer Role = "organizer"
	RoleTaster    Role = "taster"
	RoleViewer    Role = "viewer"
)

// Roles lists every valid role, most privileged first.
var Roles = []Role{RoleAdmin, RoleOrganizer, RoleTaster, RoleViewer}

// roleAliases maps accepted spellings (including the Spanish display names
// used on the judging floor) to canonical roles. Keys are lower-case.
var roleAliases = map[string]Role{
	"admin":         RoleAdmin,
	"administrator": RoleAdmin,
	"administrador": RoleAdmin,
	"organizer":     RoleOrganizer,
	"organizador":   RoleOrganizer,
	"taster":        RoleTaster,
	"judge":         RoleTaster,
	"catador":       RoleTaster,
	"juez":          RoleTaster,
	"viewer":        RoleViewer,
	"observador":    RoleViewer,
	"guest":         RoleViewer,
}

// ParseRole resolves s case-insensitively. Unknown values are rejected with ErrInvalidInput.
func ParseRole(s string) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if r, ok := roleAliases[key]; ok {
		return r, nil
	}
	return "", OpError{Op: "identity.ParseRole", Kind: ErrInvalidInput, Msg: "unknown role"}
}

// Valid reports whether r is one of the canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOrganizer, RoleTaster, RoleViewer:
		return true
	}
	return false
}

// HasAdminCapability reports whether r may perform administrative actions
// (device approval, slot eviction).
func (r Role) HasAdminCapability() bool {
	return r == RoleAdmin || r == RoleOrganizer
}

// Rank orders roles by privilege; higher is more privileged. Invalid roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleOrganizer:
		return 3
	case RoleTaster:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

func (r Role) String() string { return string(r) }
