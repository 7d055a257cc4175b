package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"routexd/internal/storage"
)

// ErrInvalidSpec rejects a malformed trigger expression before it is ever
// persisted.
var ErrInvalidSpec = errors.New("invalid trigger spec")

// parser accepts standard five-field cron expressions with an optional
// leading seconds field, plus descriptors like @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec checks a trigger expression for the given schedule kind.
func ValidateSpec(kind storage.ScheduleKind, spec string) error {
	switch kind {
	case storage.KindCalendar:
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
		}
	case storage.KindInterval:
		d, err := time.ParseDuration(spec)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %q", ErrInvalidSpec, spec)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
	return nil
}

// nextAfter computes the schedule's next fire strictly after the given
// instant, in the scheduler's timezone. Missed occurrences are skipped, not
// replayed.
func nextAfter(sched *storage.Schedule, after time.Time, loc *time.Location) (time.Time, error) {
	switch sched.Kind {
	case storage.KindCalendar:
		cs, err := parser.Parse(sched.Spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, sched.Spec, err)
		}
		return cs.Next(after.In(loc)), nil
	case storage.KindInterval:
		every, err := time.ParseDuration(sched.Spec)
		if err != nil || every <= 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSpec, sched.Spec)
		}
		base, ok := sched.LastFire()
		if !ok {
			base = sched.Created()
		}
		next := base.Add(every)
		if !next.After(after) {
			// Catch-up fires are never replayed; resume one interval out.
			next = after.Add(every)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, sched.Kind)
	}
}
