// Package storage is the sqlite persistence layer. It owns the durable
// relations (recipients directory read-side, schedules, audience_predicates,
// delivery_tasks, audit_log) and the claim-on-read semantics of the delivery
// queue.
package storage

import (
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// ms converts to the unix-millisecond representation used by every
// timestamp column.
func ms(t time.Time) int64 { return t.UnixMilli() }

func msToTime(v int64) time.Time { return time.UnixMilli(v) }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableMS(v sql.NullInt64) (time.Time, bool) {
	if !v.Valid {
		return time.Time{}, false
	}
	return msToTime(v.Int64), true
}
