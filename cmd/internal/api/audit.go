package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"

	"tasting/cmd/identity"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one security-relevant action.
type AuditEntry struct {
	Action    string
	ActorID   string
	Subject   string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
}

// Auditor records audit entries. Failures are logged by the implementation
// and never fail the request.
type Auditor interface {
	Record(ctx context.Context, e AuditEntry)
}

// LogAuditor writes entries to the structured log (memory mode).
type LogAuditor struct{ Log *slog.Logger }

func (a LogAuditor) Record(_ context.Context, e AuditEntry) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("audit."+e.Action, "actor", e.ActorID, "subject", e.Subject, "meta", e.Meta)
}

// PostgresAuditor inserts into <schema>.audit_log.
type PostgresAuditor struct {
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
}

// NewPostgresAuditor writes to schema.audit_log.
func NewPostgresAuditor(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresAuditor, error) {
	if pool == nil {
		return nil, errors.New("api: nil pool")
	}
	if !identity.IsValidPGIdent(schema) {
		return nil, errors.New("api: invalid schema identifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresAuditor{pool: pool, table: identity.PGIdent(schema, "audit_log"), log: log}, nil
}

func (a *PostgresAuditor) Record(ctx context.Context, e AuditEntry) {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return
	}

	var ipVal any
	if e.IP != nil {
		ipVal = e.IP.String()
	}

	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (
			actor_id, action, subject, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, now(), $4, $5, $6::jsonb)
	`, trimOrNil(e.ActorID), action, trimOrNil(e.Subject), ipVal, trimOrNil(e.UserAgent), metaVal)
	if err != nil {
		a.log.Error("api.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
