package storage

import (
	"context"
	"database/sql"
	"time"
)

// AuditEntry is one immutable audit_log row. Rows are only ever appended.
type AuditEntry struct {
	At       time.Time
	Actor    string // "system" or an operator identifier
	Action   string
	Subject  string // schedule:<id> / job:<id> / task:<id>
	Outcome  string
	MetaJSON string
}

type AuditRow struct {
	ID       int64          `db:"id"`
	At       int64          `db:"at"`
	Actor    string         `db:"actor"`
	Action   string         `db:"action"`
	Subject  sql.NullString `db:"subject"`
	Outcome  sql.NullString `db:"outcome"`
	MetaJSON sql.NullString `db:"meta_json"`
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (at, actor, action, subject, outcome, meta_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ms(e.At), e.Actor, e.Action, nullStr(e.Subject), nullStr(e.Outcome), nullStr(e.MetaJSON))
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit < 1 {
		limit = 100
	}
	var out []AuditRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}
