// Package broadcast is the delivery core: it accepts broadcast submissions,
// materializes the per-recipient queue, and drains it in rate-limited
// batches. The submission path (orchestrator) and the drain path (sender)
// share the in-memory job registry; everything durable lives in storage.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"routexd/internal/audit"
	"routexd/internal/clock"
	"routexd/internal/segment"
	"routexd/internal/storage"
	"routexd/internal/transport"
)

type Config struct {
	Workers        int
	BatchSize      int
	BatchDelay     time.Duration
	AttemptTimeout time.Duration
	RatePerSec     int
	MaxAudience    int
	DedupWindow    time.Duration
	Policy         Policy
}

func (c *Config) normalize() {
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.BatchSize < 1 {
		c.BatchSize = 30
	}
	if c.RatePerSec < 1 {
		c.RatePerSec = 25
	}
	if c.Policy.RetryMax < 1 {
		c.Policy.RetryMax = 5
	}
	if c.Policy.BackoffBase <= 0 {
		c.Policy.BackoffBase = 500 * time.Millisecond
	}
	if c.Policy.BackoffCap <= 0 {
		c.Policy.BackoffCap = 30 * time.Second
	}
	if c.Policy.CooldownCap <= 0 {
		c.Policy.CooldownCap = 60 * time.Second
	}
}

type Service struct {
	store    *storage.Store
	resolver *segment.Resolver
	trail    *audit.Trail
	tr       transport.Transport
	clk      clock.Clock
	log      zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup

	jobs *registry
}

func New(cfg Config, store *storage.Store, resolver *segment.Resolver, tr transport.Transport, trail *audit.Trail, clk clock.Clock, log zerolog.Logger) *Service {
	cfg.normalize()
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		store:    store,
		resolver: resolver,
		trail:    trail,
		tr:       tr,
		clk:      clk,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:      log.With().Str("component", "broadcast").Logger(),
		jobs:     newRegistry(),
	}
}

// Apply swaps in new tunables at runtime. Worker count changes take effect
// on restart.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	cfg.Workers = s.cfg.Workers
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
	s.log.Info().Int("rate_per_sec", cfg.RatePerSec).Int("batch_size", cfg.BatchSize).
		Msg("broadcast config applied")
}

// Start launches the drain workers and resumes jobs left open by a previous
// run.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan string, 64)
	workers := s.cfg.Workers
	stopCh, queue := s.stopCh, s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue)
		}()
	}

	s.recoverOpenJobs(ctx)
	s.log.Info().Int("workers", workers).Msg("broadcast service started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info().Msg("broadcast service stopped")
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

func (s *Service) enqueue(jobID string) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		// Not started; the task rows are durable and will be picked up by
		// recovery on the next Start.
		s.log.Warn().Str("job", jobID).Msg("broadcast service not running, job parked")
		return
	}
	queue <- jobID
}

// recoverOpenJobs re-registers jobs whose tasks survived a restart and puts
// them back on the drain queue.
func (s *Service) recoverOpenJobs(ctx context.Context) {
	open, err := s.store.ListOpenJobs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("open job scan failed")
		return
	}
	for _, oj := range open {
		if _, err := s.store.ResetSendingTasks(ctx, oj.JobID); err != nil {
			s.log.Error().Err(err).Str("job", oj.JobID).Msg("sending-task reset failed")
			continue
		}
		j := &Job{
			ID:        oj.JobID,
			Source:    SourceRecovered,
			Status:    StatusQueued,
			CreatedAt: s.clk.Now(),
		}
		if oj.ScheduleID.Valid {
			id := oj.ScheduleID.Int64
			j.ScheduleID = &id
		}
		if counts, err := s.store.TaskCounts(ctx, oj.JobID); err == nil {
			j.Total = counts.Total()
		}
		s.jobs.add(j)
		s.enqueue(oj.JobID)
		s.log.Info().Str("job", oj.JobID).Msg("resumed open broadcast job")
	}
}
