package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"routexd/internal/clock"
	"routexd/internal/storage"
)

// ErrSegmentNotFound means the identifier is neither canonical nor a stored
// custom predicate.
var ErrSegmentNotFound = errors.New("segment not found")

const inactivityWindow = 30 * 24 * time.Hour

// Resolver turns a segment identifier into the concrete recipient audience
// at call time. Pure read: results are deduplicated and ordered by recipient
// id, so repeated calls against unchanged data are stable.
type Resolver struct {
	store *storage.Store
	clock clock.Clock
}

func NewResolver(store *storage.Store, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.System()
	}
	return &Resolver{store: store, clock: clk}
}

func (r *Resolver) Resolve(ctx context.Context, id string) ([]int64, error) {
	where, args, err := r.compileSegment(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.store.SelectRecipientIDs(ctx, where, args)
}

// ValidateSegment checks that a segment identifier is usable without running
// it. Used when schedules and ad-hoc submissions reference a segment.
func (r *Resolver) ValidateSegment(ctx context.Context, id string) error {
	_, _, err := r.compileSegment(ctx, id)
	return err
}

func (r *Resolver) compileSegment(ctx context.Context, id string) (string, []any, error) {
	switch id {
	case AllSubscribed:
		return "is_subscribed = 1", nil, nil
	case NoKey:
		return "is_subscribed = 1 AND key IS NULL", nil, nil
	case Inactive30d:
		cutoff := r.clock.Now().Add(-inactivityWindow).UnixMilli()
		return "is_subscribed = 1 AND (last_activity_at IS NULL OR last_activity_at < ?)",
			[]any{cutoff}, nil
	case Donors:
		return "is_subscribed = 1 AND is_donor = 1", nil, nil
	}

	p, err := r.store.GetPredicateByName(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, id)
	}
	if err != nil {
		return "", nil, err
	}
	n, err := ParseExpr(p.Expr)
	if err != nil {
		return "", nil, err
	}
	return Compile(n)
}
