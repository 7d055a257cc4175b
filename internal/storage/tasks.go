package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSending   TaskStatus = "sending"
	TaskSent      TaskStatus = "sent"
	TaskFailed    TaskStatus = "failed"
	TaskAbandoned TaskStatus = "abandoned"
)

// DeliveryTask is one (job, recipient) unit of work in the durable queue.
type DeliveryTask struct {
	ID            int64          `db:"id"`
	JobID         string         `db:"job_id"`
	ScheduleID    sql.NullInt64  `db:"schedule_id"`
	RecipientID   int64          `db:"recipient_id"`
	Payload       string         `db:"payload"`
	Status        TaskStatus     `db:"status"`
	Attempts      int            `db:"attempts"`
	ErrorKind     sql.NullString `db:"error_kind"`
	LastError     sql.NullString `db:"last_error"`
	NotBefore     int64          `db:"not_before"`
	LastAttemptAt sql.NullInt64  `db:"last_attempt_at"`
	CreatedAt     int64          `db:"created_at"`
}

type TaskCounts struct {
	Pending   int `db:"pending"`
	Sending   int `db:"sending"`
	Sent      int `db:"sent"`
	Failed    int `db:"failed"`
	Abandoned int `db:"abandoned"`
}

func (c TaskCounts) Total() int { return c.Pending + c.Sending + c.Sent + c.Failed + c.Abandoned }

// Open reports whether any task still needs work.
func (c TaskCounts) Open() bool { return c.Pending > 0 || c.Sending > 0 }

// CreateTasks bulk-materializes one pending task per recipient for a job.
// Recipient order is preserved by the auto-increment id, so batch numbering
// is reproducible for a given resolver output.
func (s *Store) CreateTasks(ctx context.Context, jobID string, scheduleID *int64, recipients []int64, payload string, now time.Time) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO delivery_tasks (job_id, schedule_id, recipient_id, payload, status, not_before, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var sched any
	if scheduleID != nil {
		sched = *scheduleID
	}
	at := ms(now)
	for _, rid := range recipients {
		if _, err := stmt.ExecContext(ctx, jobID, sched, rid, payload, at); err != nil {
			return 0, fmt.Errorf("insert task for recipient %d: %w", rid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// ClaimBatch atomically moves up to limit eligible pending tasks of a job to
// sending and increments their attempt count. The UPDATE...RETURNING runs as
// one statement, so a task is handed to exactly one caller. Order is
// ascending recipient id within the job.
func (s *Store) ClaimBatch(ctx context.Context, jobID string, limit int, now time.Time) ([]DeliveryTask, error) {
	if limit < 1 {
		limit = 1
	}
	var out []DeliveryTask
	err := s.db.SelectContext(ctx, &out, `
		UPDATE delivery_tasks
		SET status = 'sending', attempts = attempts + 1, last_attempt_at = ?
		WHERE id IN (
			SELECT id FROM delivery_tasks
			WHERE job_id = ? AND status = 'pending' AND not_before <= ?
			ORDER BY recipient_id ASC
			LIMIT ?
		)
		RETURNING *`,
		ms(now), jobID, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return out, nil
}

func (s *Store) MarkTaskSent(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'sent', error_kind = NULL, last_error = NULL, last_attempt_at = ? WHERE id = ? AND status = 'sending'`,
		ms(now), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkTaskFailed(ctx context.Context, id int64, kind, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'failed', error_kind = ?, last_error = ?, last_attempt_at = ? WHERE id = ? AND status = 'sending'`,
		kind, nullStr(errMsg), ms(now), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkTaskAbandoned(ctx context.Context, id int64, kind, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'abandoned', error_kind = ?, last_error = ?, last_attempt_at = ? WHERE id = ? AND status = 'sending'`,
		kind, nullStr(errMsg), ms(now), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RequeueTask returns a sending task to pending, eligible again at notBefore.
// The attempt count stays as incremented by the claim.
func (s *Store) RequeueTask(ctx context.Context, id int64, kind, errMsg string, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'pending', error_kind = ?, last_error = ?, not_before = ? WHERE id = ? AND status = 'sending'`,
		kind, nullStr(errMsg), ms(notBefore), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AbandonPendingTasks marks every remaining pending task of a job abandoned
// without attempting it. Administrative emergency stop only.
func (s *Store) AbandonPendingTasks(ctx context.Context, jobID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'abandoned', error_kind = 'aborted', last_attempt_at = ? WHERE job_id = ? AND status = 'pending'`,
		ms(now), jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) TaskCounts(ctx context.Context, jobID string) (TaskCounts, error) {
	var c TaskCounts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'sending' THEN 1 ELSE 0 END), 0) AS sending,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'abandoned' THEN 1 ELSE 0 END), 0) AS abandoned
		FROM delivery_tasks WHERE job_id = ?`, jobID)
	return c, err
}

// NextEligibleAt returns the earliest not_before among a job's pending tasks.
// ok is false when the job has no pending tasks.
func (s *Store) NextEligibleAt(ctx context.Context, jobID string) (time.Time, bool, error) {
	var v sql.NullInt64
	err := s.db.GetContext(ctx, &v,
		`SELECT MIN(not_before) FROM delivery_tasks WHERE job_id = ? AND status = 'pending'`, jobID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return msToTime(v.Int64), true, nil
}

// RecentlyDelivered returns the recipients of a schedule that already have a
// sent task newer than since. Used to suppress duplicate deliveries when a
// schedule fires again within the dedup window.
func (s *Store) RecentlyDelivered(ctx context.Context, scheduleID int64, since time.Time) (map[int64]struct{}, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT recipient_id FROM delivery_tasks
		WHERE schedule_id = ? AND status = 'sent' AND last_attempt_at >= ?`,
		scheduleID, ms(since))
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// OpenJob identifies a job with unfinished tasks after a restart.
type OpenJob struct {
	JobID      string        `db:"job_id"`
	ScheduleID sql.NullInt64 `db:"schedule_id"`
}

// ListOpenJobs returns the distinct jobs that still have pending or sending
// tasks. Used on startup to resume draining after a crash.
func (s *Store) ListOpenJobs(ctx context.Context) ([]OpenJob, error) {
	var out []OpenJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT DISTINCT job_id, schedule_id FROM delivery_tasks
		WHERE status IN ('pending', 'sending')
		ORDER BY job_id`)
	return out, err
}

// ResetSendingTasks returns a job's stuck sending tasks to pending. A task
// left in sending belongs to a claim whose worker died; the attempt was
// already counted by that claim.
func (s *Store) ResetSendingTasks(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = 'pending' WHERE job_id = ? AND status = 'sending'`,
		jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTask is a test and operations helper.
func (s *Store) GetTask(ctx context.Context, id int64) (*DeliveryTask, error) {
	var t DeliveryTask
	err := s.db.GetContext(ctx, &t, `SELECT * FROM delivery_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns a job's tasks ordered by recipient id.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]DeliveryTask, error) {
	var out []DeliveryTask
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM delivery_tasks WHERE job_id = ? ORDER BY recipient_id ASC`, jobID)
	return out, err
}
