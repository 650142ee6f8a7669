package slot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tasting/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by the slot_sessions table. The change feed
// comes from the table trigger via LISTEN/NOTIFY on "<schema>_slot_sessions".
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tasting").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("slot: empty schema")
		}
		if !identity.IsValidPGIdent(schema) {
			return errors.New("slot: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithLogger sets the logger used by the change listener.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed registry.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "tasting", log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("slot: nil pool")
	}
	return st, nil
}

const sessionColumns = `slot_id, lease_id, operator_id, operator_name, operator_role, client_info, started_at, last_heartbeat`

func (s *PostgresStore) table() string { return identity.PGIdent(s.schema, "slot_sessions") }

// Channel is the NOTIFY channel fed by the slot_sessions trigger.
func (s *PostgresStore) Channel() string { return s.schema + "_slot_sessions" }

func (s *PostgresStore) Upsert(ctx context.Context, in Session) (*Session, error) {
	info, err := json.Marshal(clientInfoOrEmpty(in.ClientInfo))
	if err != nil {
		return nil, fmt.Errorf("slot: encode client_info: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// FOR UPDATE cannot lock a row that does not exist yet, so concurrent
	// first logins serialize on a per-slot advisory lock instead.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), $2)`, s.table(), in.SlotID); err != nil {
		return nil, fmt.Errorf("slot: lock slot: %w", err)
	}

	var prev *Session
	old, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+s.table()+` WHERE slot_id = $1 FOR UPDATE`, in.SlotID))
	switch {
	case err == nil:
		prev = &old
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("slot: lock row: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+s.table()+` (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		ON CONFLICT (slot_id) DO UPDATE SET
		  lease_id       = EXCLUDED.lease_id,
		  operator_id    = EXCLUDED.operator_id,
		  operator_name  = EXCLUDED.operator_name,
		  operator_role  = EXCLUDED.operator_role,
		  client_info    = EXCLUDED.client_info,
		  started_at     = EXCLUDED.started_at,
		  last_heartbeat = EXCLUDED.last_heartbeat
	`, in.SlotID, in.LeaseID, in.OperatorID, in.OperatorName, string(in.OperatorRole), string(info), in.StartedAt, in.LastHeartbeat); err != nil {
		return nil, fmt.Errorf("slot: upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("slot: commit: %w", err)
	}
	return prev, nil
}

func (s *PostgresStore) Touch(ctx context.Context, slotID int, leaseID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET last_heartbeat = $3 WHERE slot_id = $1 AND lease_id = $2`,
		slotID, leaseID, now)
	if err != nil {
		return false, fmt.Errorf("slot: touch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, slotID int, leaseID string) (Session, bool, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		DELETE FROM `+s.table()+`
		 WHERE slot_id = $1 AND ($2 = '' OR lease_id = $2)
		RETURNING `+sessionColumns, slotID, leaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("slot: delete: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, slotID int) (Session, bool, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+s.table()+` WHERE slot_id = $1`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("slot: get: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM `+s.table()+` ORDER BY slot_id ASC`)
}

func (s *PostgresStore) DeleteStale(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return s.query(ctx, `
		DELETE FROM `+s.table()+` WHERE last_heartbeat < $1
		RETURNING `+sessionColumns, cutoff)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("slot: query: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch listens on the change channel with a dedicated pool connection and
// reconnects with exponential backoff. Each successful LISTEN is announced to
// sink as OpResync: notifications sent while disconnected are lost.
func (s *PostgresStore) Watch(ctx context.Context, sink ChangeSink) error {
	return reconnectLoop(ctx, s.log, "slot.listen.disconnected", s.Channel(), func(ctx context.Context) (bool, error) {
		return s.listen(ctx, sink)
	})
}

func (s *PostgresStore) listen(ctx context.Context, sink ChangeSink) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, `UNLISTEN *`); err != nil {
			// Do not return a connection with a live LISTEN to the pool.
			_ = conn.Conn().Close(unlistenCtx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.Channel()}.Sanitize()); err != nil {
		return false, fmt.Errorf("slot: listen: %w", err)
	}
	s.log.Info("slot.listen.start", "channel", s.Channel())

	sink(Change{Op: OpResync})

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		c, err := decodeChange(n.Payload)
		if err != nil {
			s.log.Warn("slot.listen.bad_payload", "err", err)
			continue
		}
		sink(c)
	}
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess Session
		role string
		info []byte
	)
	if err := row.Scan(
		&sess.SlotID,
		&sess.LeaseID,
		&sess.OperatorID,
		&sess.OperatorName,
		&role,
		&info,
		&sess.StartedAt,
		&sess.LastHeartbeat,
	); err != nil {
		return Session{}, err
	}
	sess.OperatorRole = identity.Role(role)
	if len(info) > 0 {
		if err := json.Unmarshal(info, &sess.ClientInfo); err != nil {
			return Session{}, fmt.Errorf("slot: decode client_info: %w", err)
		}
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.LastHeartbeat = sess.LastHeartbeat.UTC()
	return sess, nil
}

func clientInfoOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
