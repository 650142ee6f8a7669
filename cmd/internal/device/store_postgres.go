package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasting/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RolePromoter grants a role inside the caller's transaction.
type RolePromoter interface {
	SetRoleTx(ctx context.Context, ex identity.Execer, userID string, role identity.Role, now time.Time) error
}

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - RegisterUnknown takes a transactional advisory lock shared by all
//     registrations, so the active-device count and the insert cannot interleave
//     with another registration.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	roles  RolePromoter
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tasting").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("device: empty schema")
		}
		if !identity.IsValidPGIdent(schema) {
			return errors.New("device: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed registry. roles must write to
// the same database so the bootstrap promotion joins the registration transaction.
func NewPostgresStore(pool *pgxpool.Pool, roles RolePromoter, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tasting", roles: roles}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("device: nil pool")
	}
	if st.roles == nil {
		return nil, errors.New("device: nil role promoter")
	}
	return st, nil
}

const deviceColumns = `fingerprint, owning_user_id, active, assigned_slot, display_name, first_registered_at, last_seen_at`

func (s *PostgresStore) table() string { return identity.PGIdent(s.schema, "devices") }

func (s *PostgresStore) Get(ctx context.Context, fingerprint string) (Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM `+s.table()+` WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, notFound("device.Get")
	}
	if err != nil {
		return Device{}, fmt.Errorf("device: get: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) RegisterUnknown(ctx context.Context, in RegisterInput) (Device, RegisterOutcome, error) {
	if in.Fingerprint == "" {
		return Device{}, 0, identity.Invalid("device.RegisterUnknown", "empty fingerprint")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Device{}, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.schema+".device_registration"); err != nil {
		return Device{}, 0, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanDevice(tx.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM `+s.table()+` WHERE fingerprint = $1`, in.Fingerprint))
	if err == nil {
		return existing, OutcomeExisting, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Device{}, 0, fmt.Errorf("device: lookup: %w", err)
	}

	var active int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+s.table()+` WHERE active`).Scan(&active); err != nil {
		return Device{}, 0, fmt.Errorf("device: count active: %w", err)
	}
	bootstrap := active == 0 && in.UserID != ""

	var owner *string
	if in.UserID != "" {
		owner = &in.UserID
	}

	d, err := scanDevice(tx.QueryRow(ctx, `
		INSERT INTO `+s.table()+` (fingerprint, owning_user_id, active, display_name, first_registered_at, last_seen_at)
		VALUES ($1, $2, $3, '', $4, $4)
		RETURNING `+deviceColumns,
		in.Fingerprint, owner, bootstrap, now,
	))
	if err != nil {
		return Device{}, 0, fmt.Errorf("device: insert: %w", err)
	}

	outcome := OutcomePending
	if bootstrap {
		if err := s.roles.SetRoleTx(ctx, tx, in.UserID, identity.RoleAdmin, now); err != nil {
			return Device{}, 0, err
		}
		outcome = OutcomeBootstrapped
	}

	if err := tx.Commit(ctx); err != nil {
		return Device{}, 0, fmt.Errorf("device: commit: %w", err)
	}
	return d, outcome, nil
}

func (s *PostgresStore) Touch(ctx context.Context, fingerprint, userID string, now time.Time) (Device, error) {
	var owner *string
	if userID != "" {
		owner = &userID
	}
	return s.updateOne(ctx, "device.Touch", `
		UPDATE `+s.table()+`
		   SET last_seen_at = $2,
		       owning_user_id = COALESCE(owning_user_id, $3)
		 WHERE fingerprint = $1
		RETURNING `+deviceColumns, fingerprint, now, owner)
}

func (s *PostgresStore) SetActive(ctx context.Context, fingerprint string, active bool) (Device, error) {
	return s.updateOne(ctx, "device.SetActive", `
		UPDATE `+s.table()+` SET active = $2 WHERE fingerprint = $1
		RETURNING `+deviceColumns, fingerprint, active)
}

func (s *PostgresStore) AssignSlot(ctx context.Context, fingerprint string, slot *int) (Device, error) {
	return s.updateOne(ctx, "device.AssignSlot", `
		UPDATE `+s.table()+` SET assigned_slot = $2 WHERE fingerprint = $1
		RETURNING `+deviceColumns, fingerprint, slot)
}

func (s *PostgresStore) Rename(ctx context.Context, fingerprint, name string) (Device, error) {
	return s.updateOne(ctx, "device.Rename", `
		UPDATE `+s.table()+` SET display_name = $2 WHERE fingerprint = $1
		RETURNING `+deviceColumns, fingerprint, name)
}

func (s *PostgresStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM `+s.table()+` ORDER BY first_registered_at ASC, fingerprint ASC`)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table()+` WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("device: count active: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) updateOne(ctx context.Context, op, sql string, args ...any) (Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, notFound(op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Device{}, identity.ConflictError{Op: op, Field: "assigned_slot"}
	}
	if err != nil {
		return Device{}, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var (
		d    Device
		slot *int32
	)
	if err := row.Scan(
		&d.Fingerprint,
		&d.OwningUserID,
		&d.Active,
		&slot,
		&d.DisplayName,
		&d.FirstRegisteredAt,
		&d.LastSeenAt,
	); err != nil {
		return Device{}, err
	}
	if slot != nil {
		v := int(*slot)
		d.AssignedSlot = &v
	}
	d.FirstRegisteredAt = d.FirstRegisteredAt.UTC()
	d.LastSeenAt = d.LastSeenAt.UTC()
	return d, nil
}
