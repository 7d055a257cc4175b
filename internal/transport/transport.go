// Package transport defines the narrow delivery interface the engine drives
// and the outcome taxonomy the retry policy consumes. Outcomes are explicit
// values rather than errors so the policy can be unit-tested away from any
// real transport.
package transport

import (
	"context"
	"time"
)

type Status int

const (
	// StatusDelivered: the message reached the provider.
	StatusDelivered Status = iota
	// StatusThrottled: cooperative back-off request, not a failure.
	StatusThrottled
	// StatusTransient: network/service blip, worth retrying.
	StatusTransient
	// StatusPermanent: recipient unreachable or blocked, never retried.
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusThrottled:
		return "throttled"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Status Status
	// RetryAfter is the wait the provider asked for; only set with
	// StatusThrottled.
	RetryAfter time.Duration
	Err        error
}

func Delivered() Outcome                      { return Outcome{Status: StatusDelivered} }
func Throttled(after time.Duration) Outcome   { return Outcome{Status: StatusThrottled, RetryAfter: after} }
func TransientError(err error) Outcome        { return Outcome{Status: StatusTransient, Err: err} }
func PermanentError(err error) Outcome        { return Outcome{Status: StatusPermanent, Err: err} }

// Transport delivers one payload to one recipient. Implementations must
// honor ctx cancellation and classify their own failures.
type Transport interface {
	Send(ctx context.Context, recipient int64, payload string) Outcome
}
