package broadcast

import (
	"time"

	"routexd/internal/transport"
)

// Policy turns a delivery outcome plus the attempt count into the next task
// transition. It is a pure function so the retry rules are testable without
// a transport or a queue.
type Policy struct {
	// RetryMax is the attempt ceiling; once a task has been attempted this
	// many times it can only end terminal.
	RetryMax    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CooldownCap time.Duration
}

type ActionKind int

const (
	ActionSent ActionKind = iota
	ActionFailed
	ActionRequeue
	ActionAbandon
)

type Decision struct {
	Kind ActionKind
	// Backoff delays the task's own re-eligibility (transient failures).
	Backoff time.Duration
	// Cooldown delays the job's next batch (throttling signals).
	Cooldown time.Duration
}

// Decide maps one outcome to a decision. attempts counts delivery attempts
// made so far, including the one that produced out.
func (p Policy) Decide(attempts int, out transport.Outcome) Decision {
	switch out.Status {
	case transport.StatusDelivered:
		return Decision{Kind: ActionSent}

	case transport.StatusPermanent:
		return Decision{Kind: ActionFailed}

	case transport.StatusThrottled:
		cooldown := out.RetryAfter
		if cooldown <= 0 {
			cooldown = p.BackoffBase
		}
		if cooldown > p.CooldownCap {
			cooldown = p.CooldownCap
		}
		if attempts >= p.RetryMax {
			return Decision{Kind: ActionAbandon, Cooldown: cooldown}
		}
		// The flood wait itself is the pause; no per-task backoff on top.
		return Decision{Kind: ActionRequeue, Cooldown: cooldown}

	default: // StatusTransient
		if attempts >= p.RetryMax {
			return Decision{Kind: ActionAbandon}
		}
		return Decision{Kind: ActionRequeue, Backoff: p.backoff(attempts)}
	}
}

// backoff is base * 2^(attempts-1), capped.
func (p Policy) backoff(attempts int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
