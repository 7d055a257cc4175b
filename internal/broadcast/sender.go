package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"routexd/internal/storage"
	"routexd/internal/transport"
)

// emptyClaimPoll bounds the wait when every pending task is still in backoff.
const emptyClaimPoll = 250 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case jobID := <-queue:
			s.drainJob(ctx, stopCh, jobID)
		}
	}
}

// drainJob processes a job's queue to completion: claim a batch, attempt each
// task, sleep the inter-batch delay (plus any flood cool-down), repeat. Tasks
// within the job go out in ascending recipient id; jobs on other workers
// interleave freely.
func (s *Service) drainJob(ctx context.Context, stopCh <-chan struct{}, jobID string) {
	start := time.Now()
	s.jobs.setStatus(jobID, StatusDispatching)
	s.log.Info().Str("job", jobID).Msg("broadcast drain started")

	for {
		cfg, limiter := s.snapshot()
		now := s.clk.Now()

		batch, err := s.store.ClaimBatch(ctx, jobID, cfg.BatchSize, now)
		if err != nil {
			s.log.Error().Err(err).Str("job", jobID).Msg("batch claim failed")
			if !sleepCtx(ctx, stopCh, emptyClaimPoll) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			counts, err := s.store.TaskCounts(ctx, jobID)
			if err != nil {
				s.log.Error().Err(err).Str("job", jobID).Msg("task count failed")
				if !sleepCtx(ctx, stopCh, emptyClaimPoll) {
					return
				}
				continue
			}
			if !counts.Open() {
				s.completeJob(ctx, jobID, counts, time.Since(start))
				return
			}
			// Everything pending is still in backoff; wait for the earliest.
			wait := emptyClaimPoll
			if next, ok, err := s.store.NextEligibleAt(ctx, jobID); err == nil && ok {
				if d := next.Sub(s.clk.Now()); d > 0 && d < wait {
					wait = d
				}
			}
			if !sleepCtx(ctx, stopCh, wait) {
				return
			}
			continue
		}

		var cooldown time.Duration
		for _, task := range batch {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			out := s.attempt(ctx, cfg, task)
			d := cfg.Policy.Decide(task.Attempts, out)
			s.applyDecision(ctx, task, out, d)
			if d.Cooldown > cooldown {
				cooldown = d.Cooldown
			}
		}

		counts, err := s.store.TaskCounts(ctx, jobID)
		if err == nil && !counts.Open() {
			s.completeJob(ctx, jobID, counts, time.Since(start))
			return
		}
		if !sleepCtx(ctx, stopCh, cfg.BatchDelay+cooldown) {
			return
		}
	}
}

// attempt performs one bounded delivery. A timeout counts as a transient
// failure per the retry policy.
func (s *Service) attempt(ctx context.Context, cfg Config, task storage.DeliveryTask) transport.Outcome {
	attemptCtx := ctx
	if cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
	}
	return s.tr.Send(attemptCtx, task.RecipientID, task.Payload)
}

func (s *Service) applyDecision(ctx context.Context, task storage.DeliveryTask, out transport.Outcome, d Decision) {
	now := s.clk.Now()
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	var err error
	switch d.Kind {
	case ActionSent:
		err = s.store.MarkTaskSent(ctx, task.ID, now)
	case ActionFailed:
		err = s.store.MarkTaskFailed(ctx, task.ID, out.Status.String(), errMsg, now)
	case ActionAbandon:
		err = s.store.MarkTaskAbandoned(ctx, task.ID, out.Status.String(), errMsg, now)
		s.log.Warn().Str("job", task.JobID).Int64("recipient", task.RecipientID).
			Int("attempts", task.Attempts).Msg("delivery task abandoned at retry ceiling")
	case ActionRequeue:
		err = s.store.RequeueTask(ctx, task.ID, out.Status.String(), errMsg, now.Add(d.Backoff))
		s.log.Debug().Str("job", task.JobID).Int64("recipient", task.RecipientID).
			Int("attempts", task.Attempts).Dur("backoff", d.Backoff).Dur("cooldown", d.Cooldown).
			Msg("delivery task requeued")
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", task.JobID).Int64("task", task.ID).
			Msg("task state transition failed")
	}
}

func (s *Service) completeJob(ctx context.Context, jobID string, counts storage.TaskCounts, took time.Duration) {
	s.jobs.finish(jobID, StatusCompleted, counts, s.clk.Now())
	s.trail.Record(ctx, storage.AuditEntry{
		Action:  "broadcast_complete",
		Subject: "job:" + jobID,
		Outcome: "completed",
		MetaJSON: fmt.Sprintf(`{"sent":%d,"failed":%d,"abandoned":%d}`,
			counts.Sent, counts.Failed, counts.Abandoned),
	})
	lvl := zerolog.InfoLevel
	if counts.Failed > 0 || counts.Abandoned > 0 {
		lvl = zerolog.WarnLevel
	}
	s.log.WithLevel(lvl).Str("job", jobID).Int("sent", counts.Sent).Int("failed", counts.Failed).
		Int("abandoned", counts.Abandoned).Dur("took", took).Msg("broadcast job finished")
}

// sleepCtx waits for d unless the context or service stops first; it reports
// whether the caller should keep going.
func sleepCtx(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
