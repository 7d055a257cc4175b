package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routexd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedRecipients(t *testing.T, st *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		require.NoError(t, st.UpsertRecipient(ctx, Recipient{
			TgID:       int64(1000 + i),
			Subscribed: true,
		}))
	}
}

func TestClaimBatchOrderAndExclusivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recipients := []int64{5, 3, 9, 1, 7}
	n, err := st.CreateTasks(ctx, "job-1", nil, recipients, "hello", now)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	first, err := st.ClaimBatch(ctx, "job-1", 3, now)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.Equal(t, []int64{1, 3, 5}, recipientIDs(first))
	for _, task := range first {
		require.Equal(t, TaskSending, task.Status)
		require.Equal(t, 1, task.Attempts)
		require.Equal(t, "hello", task.Payload)
	}

	// Claimed tasks are invisible to a second claimer.
	second, err := st.ClaimBatch(ctx, "job-1", 10, now)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 9}, recipientIDs(second))

	third, err := st.ClaimBatch(ctx, "job-1", 10, now)
	require.NoError(t, err)
	require.Empty(t, third)
}

func TestClaimBatchHonorsNotBefore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.CreateTasks(ctx, "job-1", nil, []int64{1}, "x", now)
	require.NoError(t, err)

	batch, err := st.ClaimBatch(ctx, "job-1", 1, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Requeue with a future eligibility; invisible until then.
	eligible := now.Add(time.Minute)
	require.NoError(t, st.RequeueTask(ctx, batch[0].ID, "transient", "boom", eligible))

	batch, err = st.ClaimBatch(ctx, "job-1", 1, now)
	require.NoError(t, err)
	require.Empty(t, batch)

	next, ok, err := st.NextEligibleAt(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, eligible.UnixMilli(), next.UnixMilli())

	batch, err = st.ClaimBatch(ctx, "job-1", 1, eligible)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 2, batch[0].Attempts)
}

func TestTaskTerminalTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.CreateTasks(ctx, "job-1", nil, []int64{1, 2, 3}, "x", now)
	require.NoError(t, err)
	batch, err := st.ClaimBatch(ctx, "job-1", 3, now)
	require.NoError(t, err)

	require.NoError(t, st.MarkTaskSent(ctx, batch[0].ID, now))
	require.NoError(t, st.MarkTaskFailed(ctx, batch[1].ID, "permanent", "blocked", now))
	require.NoError(t, st.MarkTaskAbandoned(ctx, batch[2].ID, "transient", "gave up", now))

	counts, err := st.TaskCounts(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, TaskCounts{Sent: 1, Failed: 1, Abandoned: 1}, counts)
	require.False(t, counts.Open())

	// Terminal states cannot be re-marked; the guard is status = 'sending'.
	require.ErrorIs(t, st.MarkTaskSent(ctx, batch[1].ID, now), ErrNotFound)
}

func TestAbandonPendingTasks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.CreateTasks(ctx, "job-1", nil, []int64{1, 2, 3, 4}, "x", now)
	require.NoError(t, err)
	_, err = st.ClaimBatch(ctx, "job-1", 2, now)
	require.NoError(t, err)

	n, err := st.AbandonPendingTasks(ctx, "job-1", now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	counts, err := st.TaskCounts(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, counts.Abandoned)
	require.Equal(t, 2, counts.Sending)
}

func createTestSchedule(t *testing.T, st *Store) int64 {
	t.Helper()
	id, err := st.CreateSchedule(context.Background(), &Schedule{
		Name: "s", Kind: KindInterval, Spec: "1h",
		Message: "x", Segment: "all_subscribed", Enabled: true,
	})
	require.NoError(t, err)
	return id
}

func TestOpenJobRecovery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	schedID := createTestSchedule(t, st)
	_, err := st.CreateTasks(ctx, "job-1", &schedID, []int64{1, 2}, "x", now)
	require.NoError(t, err)
	_, err = st.ClaimBatch(ctx, "job-1", 1, now)
	require.NoError(t, err)

	open, err := st.ListOpenJobs(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "job-1", open[0].JobID)
	require.Equal(t, sql.NullInt64{Int64: schedID, Valid: true}, open[0].ScheduleID)

	reset, err := st.ResetSendingTasks(ctx, "job-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, reset)

	counts, err := st.TaskCounts(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, counts.Pending)
}

func TestRecentlyDelivered(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	schedID := createTestSchedule(t, st)

	_, err := st.CreateTasks(ctx, "job-1", &schedID, []int64{1, 2}, "x", now)
	require.NoError(t, err)
	batch, err := st.ClaimBatch(ctx, "job-1", 2, now)
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskSent(ctx, batch[0].ID, now))
	require.NoError(t, st.MarkTaskFailed(ctx, batch[1].ID, "permanent", "", now))

	recent, err := st.RecentlyDelivered(ctx, schedID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	_, ok := recent[batch[0].RecipientID]
	require.True(t, ok, "only the sent recipient is deduplicated")
}

func TestScheduleRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := &Schedule{
		Name:    "daily digest",
		Kind:    KindCalendar,
		Spec:    "0 9 * * *",
		Message: "hi",
		Segment: "all_subscribed",
		Enabled: true,
	}
	id, err := st.CreateSchedule(ctx, sc)
	require.NoError(t, err)

	got, err := st.GetSchedule(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "daily digest", got.Name)
	_, hasNext := got.NextFire()
	require.False(t, hasNext)

	fired := time.Now()
	next := fired.Add(24 * time.Hour)
	require.NoError(t, st.MarkScheduleFired(ctx, id, fired, next))
	got, err = st.GetSchedule(ctx, id)
	require.NoError(t, err)
	nf, ok := got.NextFire()
	require.True(t, ok)
	require.Equal(t, next.UnixMilli(), nf.UnixMilli())

	require.NoError(t, st.SetScheduleEnabled(ctx, id, false))
	enabled, err := st.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, enabled)

	require.NoError(t, st.DeleteSchedule(ctx, id))
	_, err = st.GetSchedule(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, st.DeleteSchedule(ctx, id), ErrNotFound)
}

func TestAuditAppendAndList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "a"}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Actor: "operator", Action: "b", Subject: "job:x", Outcome: "ok"}))

	rows, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	require.Equal(t, "b", rows[0].Action)
	require.Equal(t, "system", rows[1].Actor)
}

func TestRecipientStats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRecipients(t, st, 3)
	require.NoError(t, st.UpsertRecipient(ctx, Recipient{TgID: 1, Subscribed: false, Donor: true}))

	stats, err := st.GetRecipientStats(ctx)
	require.NoError(t, err)
	require.Equal(t, RecipientStats{Total: 4, Subscribed: 3, Donors: 1}, stats)
}

func recipientIDs(tasks []DeliveryTask) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.RecipientID)
	}
	return out
}
