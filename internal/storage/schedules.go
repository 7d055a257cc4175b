package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ScheduleKind string

const (
	KindCalendar ScheduleKind = "calendar"
	KindInterval ScheduleKind = "interval"
)

type Schedule struct {
	ID         int64         `db:"id"`
	Name       string        `db:"name"`
	Kind       ScheduleKind  `db:"kind"`
	Spec       string        `db:"spec"`
	Message    string        `db:"message"`
	Segment    string        `db:"segment"`
	Enabled    bool          `db:"enabled"`
	NextFireAt sql.NullInt64 `db:"next_fire_at"`
	LastFireAt sql.NullInt64 `db:"last_fire_at"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

func (sc *Schedule) NextFire() (time.Time, bool) { return nullableMS(sc.NextFireAt) }
func (sc *Schedule) LastFire() (time.Time, bool) { return nullableMS(sc.LastFireAt) }
func (sc *Schedule) Created() time.Time          { return msToTime(sc.CreatedAt) }

func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) (int64, error) {
	now := ms(time.Now())
	if sc.CreatedAt == 0 {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, kind, spec, message, segment, enabled, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.Name, sc.Kind, sc.Spec, sc.Message, sc.Segment, sc.Enabled, sc.NextFireAt, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sc.ID = id
	return id, nil
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	var sc Schedule
	err := s.db.GetContext(ctx, &sc, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM schedules ORDER BY id ASC`)
	return out, err
}

func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM schedules WHERE enabled = 1 ORDER BY id ASC`)
	return out, err
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetScheduleNextFire records the derived next-fire instant (recomputed after
// every successful fire, edit or re-enable).
func (s *Store) SetScheduleNextFire(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		ms(next), ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkScheduleFired sets last-fire and the recomputed next-fire in one write.
func (s *Store) MarkScheduleFired(ctx context.Context, id int64, firedAt, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fire_at = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		ms(firedAt), ms(next), ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
