package ratelimit

import "time"

// Action classifies the outcome of one admission decision.
type Action string

const (
	ActionAllowed Action = "allowed"
	ActionDelayed Action = "delayed"
	ActionBlocked Action = "blocked"
)

// Result is the decision handed back to the caller of Check.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetAt      time.Time
	RetryAfter   time.Duration
	Delay        time.Duration
	BlockedUntil time.Time
	Degraded     bool
}

// Action maps the decision onto the violation event taxonomy.
func (r Result) Action() Action {
	switch {
	case r.Allowed:
		return ActionAllowed
	case r.BlockedUntil.IsZero() && r.Delay > 0:
		return ActionDelayed
	default:
		return ActionBlocked
	}
}

// Event is one append-only violation log record. Events are monitoring
// signal only; losing one never affects admission correctness.
type Event struct {
	ID           string
	Key          string
	Action       Action
	RequestCount int
	Degraded     bool
	At           time.Time
}

// EventSink consumes decision events. Implementations must not block the
// caller; admission latency takes precedence over telemetry completeness.
type EventSink interface {
	Record(e Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}
