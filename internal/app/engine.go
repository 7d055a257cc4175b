// Package app wires the engine together and exposes the administrative
// surface consumed by the bot process: schedule CRUD, ad-hoc and
// event-triggered broadcasts, and status queries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"routexd/internal/audit"
	"routexd/internal/broadcast"
	"routexd/internal/clock"
	"routexd/internal/config"
	"routexd/internal/segment"
	"routexd/internal/storage"
	"routexd/internal/transport"
	"routexd/internal/trigger"
)

type Engine struct {
	log   zerolog.Logger
	clk   clock.Clock
	store *storage.Store

	resolver *segment.Resolver
	trail    *audit.Trail
	svc      *broadcast.Service
	sched    *trigger.Scheduler

	schedulerEnabled bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine from config, opening the store and constructing every
// service. The transport is injected so tests (and the bot process) can
// substitute their own.
func New(cfg *config.Config, tr transport.Transport, clk clock.Clock, log zerolog.Logger) (*Engine, error) {
	if clk == nil {
		clk = clock.System()
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	resolver := segment.NewResolver(store, clk)
	trail := audit.NewTrail(store, cfg.Audit.RetryMax, log)
	svc := broadcast.New(broadcastConfig(cfg), store, resolver, tr, trail, clk, log)

	e := &Engine{
		log:              log.With().Str("component", "engine").Logger(),
		clk:              clk,
		store:            store,
		resolver:         resolver,
		trail:            trail,
		svc:              svc,
		schedulerEnabled: cfg.Scheduler.Enabled,
	}

	sched, err := trigger.New(trigger.Config{
		Tick:     cfg.Scheduler.Tick.Std(),
		Timezone: cfg.Timezone,
	}, store, e, clk, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e.sched = sched
	return e, nil
}

func broadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:        cfg.Broadcast.Workers,
		BatchSize:      cfg.Broadcast.BatchSize,
		BatchDelay:     cfg.Broadcast.BatchDelay.Std(),
		AttemptTimeout: cfg.Broadcast.AttemptTimeout.Std(),
		RatePerSec:     cfg.Broadcast.RatePerSec,
		MaxAudience:    cfg.Broadcast.MaxAudience,
		DedupWindow:    cfg.Broadcast.DedupWindow.Std(),
		Policy: broadcast.Policy{
			RetryMax:    cfg.Broadcast.RetryMax,
			BackoffBase: cfg.Broadcast.BackoffBase.Std(),
			BackoffCap:  cfg.Broadcast.BackoffCap.Std(),
			CooldownCap: cfg.Broadcast.CooldownCap.Std(),
		},
	}
}

// Start launches the drain workers and, if enabled, the trigger loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.svc.Start(runCtx)
	if e.schedulerEnabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sched.Run(runCtx)
		}()
	}
}

// WatchConfig applies manager updates to the running services until ctx
// ends. Only broadcast tunables are hot; storage path, timezone and tick
// changes need a restart.
func (e *Engine) WatchConfig(ctx context.Context, mgr *config.Manager) {
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			e.svc.Apply(broadcastConfig(cfg))
		}
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.svc.Stop()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("store close failed")
	}
}

// Store exposes the persistence layer to the embedding process (directory
// seeding, operational queries).
func (e *Engine) Store() *storage.Store { return e.store }

// Scheduler exposes the trigger loop, mainly so tests can drive ticks.
func (e *Engine) Scheduler() *trigger.Scheduler { return e.sched }

// SubmitScheduleFire implements trigger.Submitter.
func (e *Engine) SubmitScheduleFire(ctx context.Context, sched *storage.Schedule) (string, error) {
	id := sched.ID
	return e.svc.Submit(ctx, broadcast.SourceSchedule, &id, sched.Segment, sched.Message)
}

type CreateScheduleRequest struct {
	Name    string
	Kind    storage.ScheduleKind
	Spec    string
	Message string
	Segment string
	Enabled bool
}

// CreateSchedule validates the trigger expression and segment reference,
// persists the schedule with its first next-fire, and audits the mutation.
func (e *Engine) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*storage.Schedule, error) {
	if err := trigger.ValidateSpec(req.Kind, req.Spec); err != nil {
		return nil, err
	}
	if err := e.resolver.ValidateSegment(ctx, req.Segment); err != nil {
		return nil, err
	}

	now := e.clk.Now()
	sc := &storage.Schedule{
		Name:      req.Name,
		Kind:      req.Kind,
		Spec:      req.Spec,
		Message:   req.Message,
		Segment:   req.Segment,
		Enabled:   req.Enabled,
		CreatedAt: now.UnixMilli(),
	}
	next, err := e.sched.NextAfter(sc, now)
	if err != nil {
		return nil, err
	}
	sc.NextFireAt = sql.NullInt64{Int64: next.UnixMilli(), Valid: true}

	if _, err := e.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	e.trail.Record(ctx, storage.AuditEntry{
		Actor:    "operator",
		Action:   "schedule_create",
		Subject:  fmt.Sprintf("schedule:%d", sc.ID),
		Outcome:  "created",
		MetaJSON: fmt.Sprintf(`{"name":%q,"kind":%q,"spec":%q,"segment":%q}`, sc.Name, sc.Kind, sc.Spec, sc.Segment),
	})
	e.log.Info().Int64("schedule", sc.ID).Str("name", sc.Name).Time("next_fire", next).
		Msg("schedule created")
	return sc, nil
}

// ToggleSchedule flips the enabled flag. Disabling leaves next-fire stale;
// on re-enable the stale instant yields at most one catch-up fire on the
// following tick, after which next-fire is recomputed past now.
func (e *Engine) ToggleSchedule(ctx context.Context, id int64, enabled bool) error {
	if err := e.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	e.trail.Record(ctx, storage.AuditEntry{
		Actor:    "operator",
		Action:   "schedule_toggle",
		Subject:  fmt.Sprintf("schedule:%d", id),
		Outcome:  map[bool]string{true: "enabled", false: "disabled"}[enabled],
	})
	return nil
}

// DeleteSchedule soft-disables first so an in-flight fire is never
// interrupted, then removes the row. Materialized tasks keep their nullable
// schedule reference.
func (e *Engine) DeleteSchedule(ctx context.Context, id int64) error {
	if err := e.store.SetScheduleEnabled(ctx, id, false); err != nil {
		return err
	}
	if err := e.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	e.trail.Record(ctx, storage.AuditEntry{
		Actor:   "operator",
		Action:  "schedule_delete",
		Subject: fmt.Sprintf("schedule:%d", id),
		Outcome: "deleted",
	})
	return nil
}

// SubmitAdHocBroadcast sends payload to a segment right now.
func (e *Engine) SubmitAdHocBroadcast(ctx context.Context, segmentID, payload string) (string, error) {
	return e.svc.Submit(ctx, broadcast.SourceAdHoc, nil, segmentID, payload)
}

// SubmitInboundEvent broadcasts an external event notification to all
// subscribed recipients. Content rendering is the caller's business; the
// payload is delivered as-is.
func (e *Engine) SubmitInboundEvent(ctx context.Context, kind, payload string) (string, error) {
	jobID, err := e.svc.Submit(ctx, broadcast.SourceEvent, nil, segment.AllSubscribed, payload)
	if err != nil {
		return "", err
	}
	e.trail.Record(ctx, storage.AuditEntry{
		Action:   "inbound_event",
		Subject:  "job:" + jobID,
		Outcome:  "submitted",
		MetaJSON: fmt.Sprintf(`{"kind":%q}`, kind),
	})
	return jobID, nil
}

// CreateSegmentPredicate stores a custom segment after validating its
// expression against the field/operator allow-list.
func (e *Engine) CreateSegmentPredicate(ctx context.Context, name, exprJSON string) error {
	if _, err := segment.ParseExpr(exprJSON); err != nil {
		return err
	}
	if _, err := e.store.CreatePredicate(ctx, name, exprJSON); err != nil {
		return err
	}
	e.trail.Record(ctx, storage.AuditEntry{
		Actor:   "operator",
		Action:  "predicate_create",
		Subject: "segment:" + name,
		Outcome: "created",
	})
	return nil
}

func (e *Engine) GetScheduleStatus(ctx context.Context, id int64) (*storage.Schedule, error) {
	return e.store.GetSchedule(ctx, id)
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (broadcast.Job, error) {
	return e.svc.JobStatus(ctx, jobID)
}

// AbortJob is the administrative emergency stop for a running broadcast.
func (e *Engine) AbortJob(ctx context.Context, jobID string) error {
	return e.svc.Abort(ctx, jobID)
}
