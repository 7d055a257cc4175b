// Package audit is the append-only trail. Recording is best-effort relative
// to delivery correctness: a write failure is retried a bounded number of
// times and then dropped with a diagnostic, never surfaced to the caller.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"routexd/internal/storage"
)

const retryPause = 50 * time.Millisecond

type Trail struct {
	store    *storage.Store
	log      zerolog.Logger
	retryMax int
}

func NewTrail(store *storage.Store, retryMax int, log zerolog.Logger) *Trail {
	if retryMax < 1 {
		retryMax = 1
	}
	return &Trail{
		store:    store,
		retryMax: retryMax,
		log:      log.With().Str("component", "audit").Logger(),
	}
}

// Record appends an entry. It never returns an error.
func (t *Trail) Record(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var last error
	for i := 0; i < t.retryMax; i++ {
		if err := t.store.AppendAudit(ctx, e); err == nil {
			return
		} else {
			last = err
		}
		select {
		case <-ctx.Done():
			t.log.Warn().Err(ctx.Err()).Str("action", e.Action).Msg("audit write cancelled")
			return
		case <-time.After(retryPause * time.Duration(i+1)):
		}
	}
	t.log.Warn().Err(last).Str("action", e.Action).Str("subject", e.Subject).
		Msg("audit entry dropped after retries")
}
