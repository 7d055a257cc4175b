package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Recipient mirrors one row of the recipients directory. The directory is
// written by the bot side; this engine only reads it for segment resolution.
type Recipient struct {
	ID             int64          `db:"id"`
	TgID           int64          `db:"tg_id"`
	Username       sql.NullString `db:"username"`
	Key            sql.NullString `db:"key"`
	Subscribed     bool           `db:"is_subscribed"`
	Donor          bool           `db:"is_donor"`
	LastActivityAt sql.NullInt64  `db:"last_activity_at"`
	CreatedAt      int64          `db:"created_at"`
}

type RecipientStats struct {
	Total      int `db:"total"`
	Subscribed int `db:"subscribed"`
	Donors     int `db:"donors"`
}

// SelectRecipientIDs runs a compiled segment predicate against the directory.
// The where clause must come from segment.Compile; it is parameterized and
// allow-listed there, never assembled from raw operator input.
func (s *Store) SelectRecipientIDs(ctx context.Context, where string, args []any) ([]int64, error) {
	q := fmt.Sprintf(
		"SELECT DISTINCT tg_id FROM recipients WHERE %s ORDER BY tg_id ASC", where)
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, q, args...); err != nil {
		return nil, fmt.Errorf("select recipients: %w", err)
	}
	return ids, nil
}

// UpsertRecipient inserts or refreshes a directory row. Used by the seeding
// path and tests; the live directory is maintained by the bot process.
func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = ms(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (tg_id, username, key, is_subscribed, is_donor, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tg_id) DO UPDATE SET
			username = excluded.username,
			key = excluded.key,
			is_subscribed = excluded.is_subscribed,
			is_donor = excluded.is_donor,
			last_activity_at = excluded.last_activity_at`,
		r.TgID, r.Username, r.Key, r.Subscribed, r.Donor, r.LastActivityAt, r.CreatedAt)
	return err
}

func (s *Store) GetRecipientStats(ctx context.Context) (RecipientStats, error) {
	var st RecipientStats
	err := s.db.GetContext(ctx, &st, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN is_subscribed = 1 THEN 1 ELSE 0 END), 0) AS subscribed,
		       COALESCE(SUM(CASE WHEN is_donor = 1 THEN 1 ELSE 0 END), 0) AS donors
		FROM recipients`)
	return st, err
}
