package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"admission-service/internal/util"
)

// State is the counter store health state.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "healthy"
}

// HealthTracker drives the HEALTHY/DEGRADED transition for the shared
// counter store. While degraded, the limiter enforces per-process quotas via
// the fallback store and this tracker probes the shared store until it
// answers again.
type HealthTracker struct {
	primary       CounterStore
	state         atomic.Int32
	probeInterval time.Duration
	probeTimeout  time.Duration
	probes        singleflight.Group
	onRecover     func()
	logger        *zap.Logger
}

func NewHealthTracker(primary CounterStore, probeInterval time.Duration, onRecover func(), logger *zap.Logger) *HealthTracker {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	return &HealthTracker{
		primary:       primary,
		probeInterval: probeInterval,
		probeTimeout:  2 * time.Second,
		onRecover:     onRecover,
		logger:        logger,
	}
}

func (h *HealthTracker) State() State {
	return State(h.state.Load())
}

// MarkUnhealthy records a shared store failure observed on the request path.
// The first caller flips the state; concurrent callers collapse onto one
// immediate probe via singleflight.
func (h *HealthTracker) MarkUnhealthy(err error) {
	if h.state.CompareAndSwap(int32(StateHealthy), int32(StateDegraded)) {
		h.logger.Warn("shared counter store unreachable, enforcement is per-process only until it recovers",
			util.ErrorField(err))
	}
	go func() {
		h.probes.Do("probe", func() (interface{}, error) {
			h.probe(context.Background())
			return nil, nil
		})
	}()
}

// Run probes the shared store on a ticker while degraded. It returns when
// ctx is cancelled.
func (h *HealthTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.State() != StateDegraded {
				continue
			}
			h.probes.Do("probe", func() (interface{}, error) {
				h.probe(ctx)
				return nil, nil
			})
		}
	}
}

func (h *HealthTracker) probe(ctx context.Context) {
	if h.State() != StateDegraded {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	if err := h.primary.Ping(probeCtx); err != nil {
		h.logger.Debug("shared counter store still unreachable", util.ErrorField(err))
		return
	}

	if h.state.CompareAndSwap(int32(StateDegraded), int32(StateHealthy)) {
		h.logger.Info("shared counter store recovered, discarding fallback state")
		if h.onRecover != nil {
			h.onRecover()
		}
	}
}
