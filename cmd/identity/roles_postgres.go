package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRoleStore is a RoleStore backed by the users table.
//
// Ownership model:
// - PostgresRoleStore does NOT own the pgx pool. The caller must close the pool.
type PostgresRoleStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresRoleStore behavior.
type PostgresOption func(*PostgresRoleStore) error

// WithSchema sets the DB schema used by this store (default: "tasting").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresRoleStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresRoleStore constructs a Postgres-backed RoleStore.
func NewPostgresRoleStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRoleStore, error) {
	st := &PostgresRoleStore{pool: pool, schema: "tasting"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresRoleStore) Role(ctx context.Context, userID string) (Role, bool, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM `+PGIdent(s.schema, "users")+` WHERE id = $1`,
		NormalizeUserID(userID),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("identity: read role: %w", err)
	}

	r, err := ParseRole(raw)
	if err != nil {
		return "", false, fmt.Errorf("identity: stored role %q: %w", raw, err)
	}
	return r, true, nil
}

func (s *PostgresRoleStore) SetRole(ctx context.Context, userID string, role Role, now time.Time) error {
	return s.SetRoleTx(ctx, s.pool, userID, role, now)
}

// SetRoleTx upserts the role using ex, so callers can make the grant part of
// a larger transaction.
func (s *PostgresRoleStore) SetRoleTx(ctx context.Context, ex Execer, userID string, role Role, now time.Time) error {
	userID = NormalizeUserID(userID)
	if userID == "" {
		return Invalid("identity.SetRole", "empty user id")
	}
	if !role.Valid() {
		return Invalid("identity.SetRole", "unknown role")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := ex.Exec(ctx, `
		INSERT INTO `+PGIdent(s.schema, "users")+` (id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
	`, userID, string(role), now)
	if err != nil {
		return fmt.Errorf("identity: upsert role: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidPGIdent reports whether s is a plain, unquoted Postgres identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// PGIdent returns a safely quoted schema-qualified table name.
func PGIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
