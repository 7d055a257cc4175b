// Package trigger evaluates stored schedules against a coarse tick and fires
// due ones into the broadcast orchestrator. Per schedule the loop is a small
// idle → due → firing → idle machine; a fire recomputes next-fire strictly
// after now, so missed occurrences collapse into at most one fire per tick.
package trigger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"routexd/internal/clock"
	"routexd/internal/storage"
)

type Config struct {
	Tick     time.Duration
	Timezone string
}

// Submitter is the orchestrator-facing hook; it returns the job id of the
// submitted broadcast.
type Submitter interface {
	SubmitScheduleFire(ctx context.Context, sched *storage.Schedule) (string, error)
}

type Scheduler struct {
	store  *storage.Store
	submit Submitter
	clk    clock.Clock
	log    zerolog.Logger

	tick time.Duration
	loc  *time.Location
}

func New(cfg Config, store *storage.Store, submit Submitter, clk clock.Clock, log zerolog.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		store:  store,
		submit: submit,
		clk:    clk,
		log:    log.With().Str("component", "trigger").Logger(),
		tick:   tick,
		loc:    loc,
	}, nil
}

// Location exposes the scheduler timezone for spec computation elsewhere.
func (s *Scheduler) Location() *time.Location { return s.loc }

// NextAfter computes a schedule's next fire strictly after the given time.
func (s *Scheduler) NextAfter(sched *storage.Schedule, after time.Time) (time.Time, error) {
	return nextAfter(sched, after, s.loc)
}

// Run blocks until ctx is cancelled, evaluating all schedules every tick.
// Schedule toggles and deletions take effect between ticks; a fire in
// progress is never interrupted.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("tick", s.tick).Str("tz", s.loc.String()).Msg("trigger scheduler started")
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("trigger scheduler stopped")
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once. Exported so tests can drive
// the scheduler with a fake clock instead of waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	scheds, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("schedule scan failed")
		return
	}
	for i := range scheds {
		s.evaluate(ctx, &scheds[i])
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sched *storage.Schedule) {
	now := s.clk.Now()

	next, ok := sched.NextFire()
	if !ok {
		// Freshly created or edited; derive the first fire and move on.
		n, err := s.NextAfter(sched, now)
		if err != nil {
			s.log.Error().Err(err).Int64("schedule", sched.ID).Msg("next-fire computation failed")
			return
		}
		if err := s.store.SetScheduleNextFire(ctx, sched.ID, n); err != nil {
			s.log.Error().Err(err).Int64("schedule", sched.ID).Msg("next-fire persist failed")
		}
		return
	}
	if now.Before(next) {
		return // idle
	}

	// due → firing
	jobID, err := s.submit.SubmitScheduleFire(ctx, sched)
	if err != nil {
		// Leave next-fire untouched; the fire is retried next tick.
		s.log.Error().Err(err).Int64("schedule", sched.ID).Str("name", sched.Name).
			Msg("schedule fire failed")
		return
	}

	n, err := s.NextAfter(sched, now)
	if err != nil {
		s.log.Error().Err(err).Int64("schedule", sched.ID).Msg("next-fire recomputation failed")
		return
	}
	if err := s.store.MarkScheduleFired(ctx, sched.ID, now, n); err != nil {
		s.log.Error().Err(err).Int64("schedule", sched.ID).Msg("fire bookkeeping failed")
		return
	}
	s.log.Info().Int64("schedule", sched.ID).Str("name", sched.Name).Str("job", jobID).
		Time("next_fire", n).Msg("schedule fired")
}
