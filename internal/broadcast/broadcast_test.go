package broadcast_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"routexd/internal/audit"
	"routexd/internal/broadcast"
	"routexd/internal/clock"
	"routexd/internal/segment"
	"routexd/internal/storage"
	"routexd/internal/transport"
	"routexd/pkg/logx"
)

type sendRecord struct {
	recipient int64
	at        time.Time
}

// fakeTransport replays scripted outcomes per recipient; recipients without a
// script always deliver.
type fakeTransport struct {
	mu     sync.Mutex
	script map[int64][]transport.Outcome
	calls  []sendRecord
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{script: make(map[int64][]transport.Outcome)}
}

func (f *fakeTransport) stub(recipient int64, outcomes ...transport.Outcome) {
	f.mu.Lock()
	f.script[recipient] = append(f.script[recipient], outcomes...)
	f.mu.Unlock()
}

func (f *fakeTransport) Send(_ context.Context, recipient int64, _ string) transport.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendRecord{recipient: recipient, at: time.Now()})
	if q := f.script[recipient]; len(q) > 0 {
		out := q[0]
		f.script[recipient] = q[1:]
		return out
	}
	return transport.Delivered()
}

func (f *fakeTransport) callsFor(recipient int64) []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sendRecord
	for _, c := range f.calls {
		if c.recipient == recipient {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) allCalls() []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendRecord(nil), f.calls...)
}

func fastConfig() broadcast.Config {
	return broadcast.Config{
		Workers:    2,
		BatchSize:  30,
		BatchDelay: time.Millisecond,
		RatePerSec: 1000,
		Policy: broadcast.Policy{
			RetryMax:    5,
			BackoffBase: 10 * time.Millisecond,
			BackoffCap:  40 * time.Millisecond,
			CooldownCap: 60 * time.Second,
		},
	}
}

type fixture struct {
	store *storage.Store
	svc   *broadcast.Service
	tr    *fakeTransport
}

func newFixture(t *testing.T, cfg broadcast.Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr := newFakeTransport()
	resolver := segment.NewResolver(st, clock.System())
	trail := audit.NewTrail(st, 3, logx.Nop())
	svc := broadcast.New(cfg, st, resolver, tr, trail, clock.System(), logx.Nop())
	return &fixture{store: st, svc: svc, tr: tr}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	fx.svc.Start(context.Background())
	t.Cleanup(fx.svc.Stop)
}

func (fx *fixture) seed(t *testing.T, recipients ...storage.Recipient) {
	t.Helper()
	for _, r := range recipients {
		require.NoError(t, fx.store.UpsertRecipient(context.Background(), r))
	}
}

func (fx *fixture) seedSubscribed(t *testing.T, from, to int64) {
	t.Helper()
	for id := from; id <= to; id++ {
		fx.seed(t, storage.Recipient{TgID: id, Subscribed: true})
	}
}

func waitTerminal(t *testing.T, svc *broadcast.Service, jobID string) broadcast.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := svc.JobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return broadcast.Job{}
}

func TestBroadcastDeliversToWholeSegment(t *testing.T) {
	fx := newFixture(t, fastConfig())
	fx.seedSubscribed(t, 1, 97)
	for id := int64(200); id < 203; id++ {
		fx.seed(t, storage.Recipient{TgID: id, Subscribed: true, Key: sql.NullString{String: "activated", Valid: true}})
	}
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.NoKey, "hello")
	require.NoError(t, err)

	j := waitTerminal(t, fx.svc, jobID)
	require.Equal(t, broadcast.StatusCompleted, j.Status)
	require.Equal(t, 97, j.Total)
	require.Equal(t, 97, j.Counts.Sent)
	require.Zero(t, j.Counts.Failed)
	require.Len(t, fx.tr.allCalls(), 97)

	rows, err := fx.store.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(rows))
	for _, r := range rows {
		actions = append(actions, r.Action)
	}
	require.Contains(t, actions, "broadcast_submit")
	require.Contains(t, actions, "broadcast_complete")
}

func TestBroadcastBatchPacing(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchDelay = 100 * time.Millisecond
	fx := newFixture(t, cfg)
	fx.seedSubscribed(t, 1, 65)
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)
	require.Equal(t, 65, j.Counts.Sent)

	// 65 tasks at batch size 30 means three batches, so exactly two
	// inter-batch pauses and none after the final batch.
	calls := fx.tr.allCalls()
	require.Len(t, calls, 65)
	pauses := 0
	for i := 1; i < len(calls); i++ {
		if calls[i].at.Sub(calls[i-1].at) >= cfg.BatchDelay/2 {
			pauses++
		}
	}
	require.Equal(t, 2, pauses)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	fx := newFixture(t, fastConfig())
	fx.seedSubscribed(t, 1, 3)
	fx.tr.stub(2, transport.PermanentError(errors.New("blocked by user")))
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)

	require.Equal(t, broadcast.StatusCompleted, j.Status)
	require.Equal(t, 2, j.Counts.Sent)
	require.Equal(t, 1, j.Counts.Failed)
	require.Len(t, fx.tr.callsFor(2), 1)

	tasks, err := fx.store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.RecipientID == 2 {
			require.Equal(t, storage.TaskFailed, task.Status)
			require.Equal(t, 1, task.Attempts)
		}
	}
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	fx := newFixture(t, fastConfig())
	fx.seedSubscribed(t, 1, 1)
	fx.tr.stub(1,
		transport.TransientError(errors.New("i/o timeout")),
		transport.TransientError(errors.New("i/o timeout")),
	)
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)

	require.Equal(t, 1, j.Counts.Sent)
	require.Len(t, fx.tr.callsFor(1), 3)

	tasks, err := fx.store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, storage.TaskSent, tasks[0].Status)
	require.Equal(t, 3, tasks[0].Attempts)
}

func TestTransientFailuresAbandonAtCeiling(t *testing.T) {
	cfg := fastConfig()
	cfg.Policy.RetryMax = 3
	fx := newFixture(t, cfg)
	fx.seedSubscribed(t, 1, 1)
	fx.tr.stub(1,
		transport.TransientError(errors.New("boom")),
		transport.TransientError(errors.New("boom")),
		transport.TransientError(errors.New("boom")),
		transport.TransientError(errors.New("boom")),
	)
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)

	require.Equal(t, 1, j.Counts.Abandoned)
	require.Len(t, fx.tr.callsFor(1), 3)
}

func TestThrottleDelaysNextBatch(t *testing.T) {
	cfg := fastConfig()
	fx := newFixture(t, cfg)
	fx.seedSubscribed(t, 1, 1)
	retryAfter := 150 * time.Millisecond
	fx.tr.stub(1, transport.Throttled(retryAfter))
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)
	require.Equal(t, 1, j.Counts.Sent)

	calls := fx.tr.callsFor(1)
	require.Len(t, calls, 2)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), retryAfter,
		"retry must wait at least the provider's retry-after")
}

func TestSubmitUnknownSegment(t *testing.T) {
	fx := newFixture(t, fastConfig())
	fx.start(t)
	_, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, "nope", "x")
	require.ErrorIs(t, err, segment.ErrSegmentNotFound)
}

func TestSubmitEmptyAudienceCompletesImmediately(t *testing.T) {
	fx := newFixture(t, fastConfig())
	fx.start(t)

	jobID, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.Donors, "x")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	j, err := fx.svc.JobStatus(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusCompleted, j.Status)
	require.Zero(t, j.Total)
	require.Empty(t, fx.tr.allCalls())
}

func TestSubmitRespectsMaxAudience(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAudience = 2
	fx := newFixture(t, cfg)
	fx.seedSubscribed(t, 1, 3)
	fx.start(t)

	_, err := fx.svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.ErrorIs(t, err, broadcast.ErrAudienceTooLarge)
	require.Empty(t, fx.tr.allCalls())
}

func TestScheduleFireSkipsRecentlyDelivered(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = 24 * time.Hour
	fx := newFixture(t, cfg)
	fx.seedSubscribed(t, 1, 3)
	ctx := context.Background()
	schedID, err := fx.store.CreateSchedule(ctx, &storage.Schedule{
		Name: "daily", Kind: storage.KindInterval, Spec: "24h",
		Message: "x", Segment: segment.AllSubscribed, Enabled: true,
	})
	require.NoError(t, err)

	// Recipient 1 already got this schedule's message within the window.
	_, err = fx.store.CreateTasks(ctx, "earlier-fire", &schedID, []int64{1}, "x", time.Now())
	require.NoError(t, err)
	batch, err := fx.store.ClaimBatch(ctx, "earlier-fire", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkTaskSent(ctx, batch[0].ID, time.Now()))

	fx.start(t)
	jobID, err := fx.svc.Submit(ctx, broadcast.SourceSchedule, &schedID, segment.AllSubscribed, "x")
	require.NoError(t, err)
	j := waitTerminal(t, fx.svc, jobID)

	require.Equal(t, 2, j.Counts.Sent)
	require.Empty(t, fx.tr.callsFor(1))
	require.Len(t, fx.tr.callsFor(2), 1)
	require.Len(t, fx.tr.callsFor(3), 1)
}

func TestAbortAbandonsPendingTasks(t *testing.T) {
	// The service is built but not started, so the job parks with its queue
	// fully pending; abort must abandon every task untouched.
	fx := newFixture(t, fastConfig())
	fx.seedSubscribed(t, 1, 5)
	ctx := context.Background()

	jobID, err := fx.svc.Submit(ctx, broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)

	require.NoError(t, fx.svc.Abort(ctx, jobID))
	j, err := fx.svc.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusAborted, j.Status)
	require.Equal(t, 5, j.Counts.Abandoned)
	require.Empty(t, fx.tr.allCalls())

	require.ErrorIs(t, fx.svc.Abort(ctx, "no-such-job"), broadcast.ErrUnknownJob)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCompletionLogLevelReflectsFailures(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var buf syncBuffer
	tr := newFakeTransport()
	tr.stub(2, transport.PermanentError(errors.New("blocked")))
	svc := broadcast.New(fastConfig(), st, segment.NewResolver(st, clock.System()), tr,
		audit.NewTrail(st, 3, logx.Nop()), clock.System(), zerolog.New(&buf))
	fx := &fixture{store: st, svc: svc, tr: tr}
	fx.seedSubscribed(t, 1, 2)
	fx.start(t)

	jobID, err := svc.Submit(context.Background(), broadcast.SourceAdHoc, nil, segment.AllSubscribed, "x")
	require.NoError(t, err)
	waitTerminal(t, svc, jobID)
	svc.Stop()

	var finished map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "log output must stay structured: %q", line)
		if entry["message"] == "broadcast job finished" {
			finished = entry
		}
	}
	require.NotNil(t, finished, "completion line missing")
	require.Equal(t, "warn", finished["level"], "partial failure must finish at warn")
}

func TestStartResumesOpenJobs(t *testing.T) {
	fx := newFixture(t, fastConfig())
	ctx := context.Background()

	// Simulate a crash: durable tasks exist, one stuck in sending, and the
	// in-memory registry knows nothing about them.
	_, err := fx.store.CreateTasks(ctx, "job-crashed", nil, []int64{1, 2, 3}, "resume me", time.Now())
	require.NoError(t, err)
	_, err = fx.store.ClaimBatch(ctx, "job-crashed", 1, time.Now())
	require.NoError(t, err)

	fx.start(t)
	j := waitTerminal(t, fx.svc, "job-crashed")
	require.Equal(t, broadcast.StatusCompleted, j.Status)
	require.Equal(t, broadcast.SourceRecovered, j.Source)
	require.Equal(t, 3, j.Counts.Sent)
	require.Len(t, fx.tr.allCalls(), 3)
}
