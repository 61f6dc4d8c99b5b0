package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"admission-service/internal/util"
)

// Limiter makes admission decisions. It routes the atomic window operation
// to the shared store while healthy and to the in-process fallback while
// degraded; the decision algorithm is identical on both.
type Limiter struct {
	registry *Registry
	primary  CounterStore
	fallback CounterStore
	health   *HealthTracker
	sink     EventSink
	logger   *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewLimiter(registry *Registry, primary, fallback CounterStore, health *HealthTracker, sink EventSink, logger *zap.Logger) *Limiter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Limiter{
		registry: registry,
		primary:  primary,
		fallback: fallback,
		health:   health,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Key builds the quota bucket key. A bucket is never shared across policies.
func Key(policyName, identity string) string {
	return policyName + ":" + identity
}

func (l *Limiter) backend() (CounterStore, bool) {
	if l.health.State() == StateDegraded {
		return l.fallback, true
	}
	return l.primary, false
}

// Check runs one admission decision for identity under the named policy.
// The only error it returns is ErrUnknownPolicy; shared store outages are
// absorbed by switching to the fallback.
func (l *Limiter) Check(ctx context.Context, identity, policyName string) (Result, error) {
	p, err := l.registry.Get(policyName)
	if err != nil {
		// Unknown policy is a deploy-time defect. Fail closed.
		l.logger.Error("admission check against unregistered policy",
			util.String("policy", policyName))
		return Result{}, err
	}

	key := Key(p.Name, identity)
	now := l.now()
	store, degraded := l.backend()

	// Block fast path. A blocked caller is denied without touching the
	// window, so denied retries never extend their own window.
	until, err := store.BlockedUntil(ctx, key)
	if err != nil && !degraded {
		l.health.MarkUnhealthy(err)
		store, degraded = l.fallback, true
		until, err = store.BlockedUntil(ctx, key)
	}
	if err != nil {
		until = time.Time{}
	}
	if until.After(now) {
		res := Result{
			Limit:        p.MaxRequests,
			ResetAt:      until,
			RetryAfter:   until.Sub(now),
			BlockedUntil: until,
			Degraded:     degraded,
		}
		l.emit(key, res, 0, now)
		return res, nil
	}

	snap, err := store.Take(ctx, key, p, now)
	if err != nil && !degraded {
		l.health.MarkUnhealthy(err)
		store, degraded = l.fallback, true
		snap, err = store.Take(ctx, key, p, now)
	}
	if err != nil {
		// The fallback is in-process and does not fail; reaching this
		// means both backends are broken.
		l.logger.Error("all counter backends failed", util.ErrorField(err))
		return Result{}, err
	}

	if snap.Allowed {
		res := Result{
			Allowed:   true,
			Limit:     p.MaxRequests,
			Remaining: p.MaxRequests - snap.Count,
			ResetAt:   snap.OldestAt.Add(p.Window),
			Degraded:  degraded,
		}
		l.emit(key, res, snap.Count, now)
		return res, nil
	}

	violations := snap.Count - p.MaxRequests + 1
	delay, blockDur := Escalate(violations, p)

	res := Result{
		Limit:    p.MaxRequests,
		Delay:    delay,
		Degraded: degraded,
	}
	if !snap.OldestAt.IsZero() {
		res.ResetAt = snap.OldestAt.Add(p.Window)
	}

	if blockDur > 0 {
		blockedUntil := now.Add(blockDur)
		if err := store.Block(ctx, key, blockedUntil); err != nil && !degraded {
			l.health.MarkUnhealthy(err)
			store, degraded = l.fallback, true
			res.Degraded = true
			_ = store.Block(ctx, key, blockedUntil)
		}
		res.BlockedUntil = blockedUntil
		res.RetryAfter = blockDur
	} else {
		res.RetryAfter = p.Window
		if !res.ResetAt.IsZero() {
			res.RetryAfter = res.ResetAt.Sub(now)
		}
	}

	l.emit(key, res, snap.Count, now)
	return res, nil
}

// Inspect reports the current window and block state for a key without
// consuming quota or recording events.
func (l *Limiter) Inspect(ctx context.Context, identity, policyName string) (Result, error) {
	p, err := l.registry.Get(policyName)
	if err != nil {
		return Result{}, err
	}

	key := Key(p.Name, identity)
	now := l.now()
	store, degraded := l.backend()

	until, err := store.BlockedUntil(ctx, key)
	if err != nil {
		return Result{}, err
	}

	snap, err := store.Peek(ctx, key, p, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   until.Before(now) && snap.Count < p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - snap.Count,
		Degraded:  degraded,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !snap.OldestAt.IsZero() {
		res.ResetAt = snap.OldestAt.Add(p.Window)
	}
	if until.After(now) {
		res.BlockedUntil = until
		res.RetryAfter = until.Sub(now)
	}
	return res, nil
}

// Reset removes the window and block for a key on both backends. The next
// attempt is treated as first-ever.
func (l *Limiter) Reset(ctx context.Context, identity, policyName string) error {
	p, err := l.registry.Get(policyName)
	if err != nil {
		return err
	}

	key := Key(p.Name, identity)

	// Fallback state is cleared unconditionally so a clear issued during
	// an outage sticks.
	_ = l.fallback.Clear(ctx, key)

	if l.health.State() == StateDegraded {
		return nil
	}
	if err := l.primary.Clear(ctx, key); err != nil {
		l.health.MarkUnhealthy(err)
		return err
	}
	return nil
}

// Registry exposes the bound policy registry for callers that need to
// enumerate or validate policy names.
func (l *Limiter) Registry() *Registry {
	return l.registry
}

// Health exposes the backend health tracker.
func (l *Limiter) Health() *HealthTracker {
	return l.health
}

func (l *Limiter) emit(key string, res Result, requestCount int, now time.Time) {
	l.sink.Record(Event{
		ID:           uuid.NewString(),
		Key:          key,
		Action:       res.Action(),
		RequestCount: requestCount,
		Degraded:     res.Degraded,
		At:           now,
	})
}
