package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routexd/internal/storage"
	"routexd/pkg/logx"
)

func TestRecordAppends(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	trail := NewTrail(st, 3, logx.Nop())
	trail.Record(context.Background(), storage.AuditEntry{
		Actor:   "operator",
		Action:  "schedule_toggle",
		Subject: "schedule:1",
		Outcome: "disabled",
	})

	rows, err := st.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "schedule_toggle", rows[0].Action)
	require.NotZero(t, rows[0].At)
}

func TestRecordNeverPropagatesStoreFailure(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	trail := NewTrail(st, 2, logx.Nop())
	// Must retry, give up and return; the delivery path depends on this not
	// blocking or panicking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		trail.Record(context.Background(), storage.AuditEntry{Action: "x"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a dead store")
	}
}

func TestRecordStopsOnCancelledContext(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trail := NewTrail(st, 50, logx.Nop())
	start := time.Now()
	trail.Record(ctx, storage.AuditEntry{Action: "x"})
	require.Less(t, time.Since(start), time.Second, "cancelled context must short-circuit the retries")
}
