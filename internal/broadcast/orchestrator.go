package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"routexd/internal/storage"
)

var (
	// ErrAudienceTooLarge fires only when the explicit max_audience policy
	// is configured; by default a maximal audience is valid.
	ErrAudienceTooLarge = errors.New("resolved audience exceeds configured maximum")
	ErrUnknownJob       = errors.New("unknown job")
)

// Submit accepts a broadcast request, resolves the audience and materializes
// the delivery queue. It returns once the tasks are durable; draining is
// handed to the worker pool. An empty audience is not an error: the job
// completes immediately with zero tasks, for the audit trail's benefit.
func (s *Service) Submit(ctx context.Context, src Source, scheduleID *int64, segmentID, payload string) (string, error) {
	now := s.clk.Now()
	s.jobs.prune(now)
	job := &Job{
		ID:         uuid.NewString(),
		Source:     src,
		ScheduleID: scheduleID,
		Segment:    segmentID,
		Payload:    payload,
		Status:     StatusResolving,
		CreatedAt:  now,
	}
	s.jobs.add(job)

	recipients, err := s.resolver.Resolve(ctx, segmentID)
	if err != nil {
		s.jobs.finish(job.ID, StatusAborted, storage.TaskCounts{}, s.clk.Now())
		s.trail.Record(ctx, storage.AuditEntry{
			Action:  "broadcast_submit",
			Subject: "job:" + job.ID,
			Outcome: "rejected",
			MetaJSON: fmt.Sprintf(`{"source":%q,"segment":%q,"error":%q}`,
				src, segmentID, err.Error()),
		})
		return "", err
	}

	cfg, _ := s.snapshot()
	if cfg.MaxAudience > 0 && len(recipients) > cfg.MaxAudience {
		s.jobs.finish(job.ID, StatusAborted, storage.TaskCounts{}, s.clk.Now())
		s.trail.Record(ctx, storage.AuditEntry{
			Action:  "broadcast_submit",
			Subject: "job:" + job.ID,
			Outcome: "rejected",
			MetaJSON: fmt.Sprintf(`{"segment":%q,"audience":%d,"max":%d}`,
				segmentID, len(recipients), cfg.MaxAudience),
		})
		return "", fmt.Errorf("%w: %d > %d", ErrAudienceTooLarge, len(recipients), cfg.MaxAudience)
	}

	if scheduleID != nil && cfg.DedupWindow > 0 {
		recipients, err = s.dropRecentlyDelivered(ctx, *scheduleID, recipients, cfg)
		if err != nil {
			// Dedup is an optimization; a read failure must not kill the fire.
			s.log.Warn().Err(err).Str("job", job.ID).Msg("delivery dedup check failed, sending to full segment")
		}
	}

	if len(recipients) == 0 {
		s.jobs.finish(job.ID, StatusCompleted, storage.TaskCounts{}, s.clk.Now())
		s.trail.Record(ctx, storage.AuditEntry{
			Action:   "broadcast_submit",
			Subject:  "job:" + job.ID,
			Outcome:  "empty_audience",
			MetaJSON: fmt.Sprintf(`{"source":%q,"segment":%q}`, src, segmentID),
		})
		s.log.Info().Str("job", job.ID).Str("segment", segmentID).Msg("broadcast resolved to empty audience")
		return job.ID, nil
	}

	n, err := s.store.CreateTasks(ctx, job.ID, scheduleID, recipients, payload, now)
	if err != nil {
		s.jobs.finish(job.ID, StatusAborted, storage.TaskCounts{}, s.clk.Now())
		return "", fmt.Errorf("materialize delivery tasks: %w", err)
	}
	s.jobs.setTotal(job.ID, n)
	s.jobs.setStatus(job.ID, StatusQueued)

	s.trail.Record(ctx, storage.AuditEntry{
		Action:   "broadcast_submit",
		Subject:  "job:" + job.ID,
		Outcome:  "queued",
		MetaJSON: fmt.Sprintf(`{"source":%q,"segment":%q,"tasks":%d}`, src, segmentID, n),
	})
	s.log.Info().Str("job", job.ID).Str("segment", segmentID).Int("tasks", n).
		Str("source", string(src)).Msg("broadcast job queued")

	s.enqueue(job.ID)
	return job.ID, nil
}

func (s *Service) dropRecentlyDelivered(ctx context.Context, scheduleID int64, recipients []int64, cfg Config) ([]int64, error) {
	since := s.clk.Now().Add(-cfg.DedupWindow)
	recent, err := s.store.RecentlyDelivered(ctx, scheduleID, since)
	if err != nil {
		return recipients, err
	}
	if len(recent) == 0 {
		return recipients, nil
	}
	kept := recipients[:0]
	for _, id := range recipients {
		if _, dup := recent[id]; !dup {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

// Abort is the administrative emergency stop: remaining pending tasks are
// abandoned without being attempted. A batch already claimed finishes.
func (s *Service) Abort(ctx context.Context, jobID string) error {
	if _, ok := s.jobs.get(jobID); !ok {
		return ErrUnknownJob
	}
	now := s.clk.Now()
	n, err := s.store.AbandonPendingTasks(ctx, jobID, now)
	if err != nil {
		return err
	}
	counts, err := s.store.TaskCounts(ctx, jobID)
	if err != nil {
		return err
	}
	s.jobs.finish(jobID, StatusAborted, counts, now)
	s.trail.Record(ctx, storage.AuditEntry{
		Actor:    "operator",
		Action:   "broadcast_abort",
		Subject:  "job:" + jobID,
		Outcome:  "aborted",
		MetaJSON: fmt.Sprintf(`{"abandoned":%d}`, n),
	})
	s.log.Warn().Str("job", jobID).Int64("abandoned", n).Msg("broadcast job aborted")
	return nil
}

// JobStatus returns a job snapshot with live task counts.
func (s *Service) JobStatus(ctx context.Context, jobID string) (Job, error) {
	j, ok := s.jobs.get(jobID)
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if !j.Status.Terminal() {
		counts, err := s.store.TaskCounts(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		j.Counts = counts
	}
	return j, nil
}
