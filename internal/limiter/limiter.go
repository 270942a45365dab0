// Package limiter enforces per-provider admission budgets: a ceiling on
// concurrent in-flight requests, a sliding 60-second request window bounded
// by the throttle controller's effective RPM, and optional token-bucket
// smoothing. Each provider's budget is an independently synchronized unit, so
// congestion on one provider never blocks another.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/config"
	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
	"github.com/modelrelay/modelrelay/pkg/logging"
	"github.com/modelrelay/modelrelay/pkg/metrics"
)

// Window is the span of the sliding request window.
const Window = time.Minute

// EffectiveRPMFunc reports the current effective RPM ceiling for a provider.
// The throttle controller supplies this; it never returns a value outside
// (0, configured RPM].
type EffectiveRPMFunc func(providerID string) int

// Lease represents granted capacity. It must be released exactly once;
// double release is a no-op.
type Lease struct {
	ProviderID string
	AcquiredAt time.Time

	unit *unit
	once sync.Once
}

// Release returns the lease's concurrency slot to the provider's budget and
// wakes admission waiters for that provider.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.unit.release()
	})
}

// Snapshot is a read-only view of one provider's budget.
type Snapshot struct {
	ProviderID    string    `json:"provider_id"`
	InFlight      int       `json:"in_flight"`
	MaxConcurrent int       `json:"max_concurrent"`
	WindowCount   int       `json:"window_count"`
	ConfiguredRPM int       `json:"configured_rpm"`
	EffectiveRPM  int       `json:"effective_rpm"`
	Tokens        float64   `json:"tokens"`
	ObservedAt    time.Time `json:"observed_at"`
}

// unit owns the budget of exactly one provider. All fields are guarded by mu
// and never reached into from outside this package.
type unit struct {
	mu sync.Mutex

	providerID    string
	maxConcurrent int
	configuredRPM int
	burst         float64

	inFlight     int
	windowEvents []time.Time
	tokens       float64
	lastRefill   time.Time

	// wake is closed and replaced on every release so that waiters for this
	// provider, and only this provider, re-check admission.
	wake chan struct{}

	effective EffectiveRPMFunc
	nowFunc   func() time.Time
	metrics   *metrics.Metrics
}

// Registry holds one limiter unit per configured provider. The set of
// providers is fixed at construction.
type Registry struct {
	units   map[string]*unit
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRegistry builds a limiter unit per provider. Configuration is assumed
// validated upstream; violations found here fail construction.
func NewRegistry(providers map[string]config.ProviderConfig, effective EffectiveRPMFunc, m *metrics.Metrics, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if effective == nil {
		return nil, apperrors.NewValidationError("effective RPM accessor is required")
	}

	units := make(map[string]*unit, len(providers))
	for id, p := range providers {
		if p.MaxConcurrent <= 0 {
			return nil, apperrors.NewValidationError("max_concurrent must be positive").WithDetail("provider", id)
		}
		if p.RPM <= 0 {
			return nil, apperrors.NewValidationError("rpm must be positive").WithDetail("provider", id)
		}

		u := &unit{
			providerID:    id,
			maxConcurrent: p.MaxConcurrent,
			configuredRPM: p.RPM,
			burst:         float64(p.Burst),
			tokens:        float64(p.Burst),
			wake:          make(chan struct{}),
			effective:     effective,
			nowFunc:       time.Now,
			metrics:       m,
		}
		u.lastRefill = u.nowFunc()
		units[id] = u
	}

	return &Registry{
		units:   units,
		logger:  logger,
		metrics: m,
	}, nil
}

// Acquire blocks until the provider has capacity or ctx ends. A deadline
// expiry maps to AcquireTimeout; plain cancellation maps to Cancelled. The
// returned lease must be released on every exit path of the caller.
func (r *Registry) Acquire(ctx context.Context, providerID string) (*Lease, error) {
	u, ok := r.units[providerID]
	if !ok {
		return nil, apperrors.NewNotFoundError("provider " + providerID)
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewAcquireTimeoutError(providerID)
		}
		return nil, apperrors.NewCancelledError("admission wait cancelled for provider " + providerID)
	}

	start := u.nowFunc()
	for {
		lease, wake, wait := u.tryAcquire()
		if lease != nil {
			if r.metrics != nil {
				r.metrics.RecordAcquireWait(providerID, "acquired", u.nowFunc().Sub(start))
			}
			return lease, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if r.metrics != nil {
				r.metrics.RecordAcquireWait(providerID, "timeout", u.nowFunc().Sub(start))
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, apperrors.NewAcquireTimeoutError(providerID)
			}
			return nil, apperrors.NewCancelledError("admission wait cancelled for provider " + providerID)
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Snapshot returns a read-only view of a provider's budget.
func (r *Registry) Snapshot(providerID string) (Snapshot, bool) {
	u, ok := r.units[providerID]
	if !ok {
		return Snapshot{}, false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.nowFunc()
	u.prune(now)
	u.refill(now)

	return Snapshot{
		ProviderID:    u.providerID,
		InFlight:      u.inFlight,
		MaxConcurrent: u.maxConcurrent,
		WindowCount:   len(u.windowEvents),
		ConfiguredRPM: u.configuredRPM,
		EffectiveRPM:  u.effectiveRPM(),
		Tokens:        u.tokens,
		ObservedAt:    now,
	}, true
}

// Providers returns the ids of all registered providers.
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	return ids
}

// tryAcquire checks all three budgets atomically with respect to this
// provider. On failure it returns the wake channel to wait on and an upper
// bound on how long to wait before the next time-driven re-check.
func (u *unit) tryAcquire() (*Lease, <-chan struct{}, time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.nowFunc()
	u.prune(now)
	u.refill(now)

	effRPM := u.effectiveRPM()

	if u.inFlight < u.maxConcurrent && len(u.windowEvents) < effRPM && (u.burst == 0 || u.tokens >= 1) {
		u.inFlight++
		u.windowEvents = append(u.windowEvents, now)
		if u.burst > 0 {
			u.tokens--
		}
		u.publishGauges(effRPM)

		return &Lease{
			ProviderID: u.providerID,
			AcquiredAt: now,
			unit:       u,
		}, nil, 0
	}

	return nil, u.wake, u.nextWake(now, effRPM)
}

func (u *unit) release() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.inFlight > 0 {
		u.inFlight--
	}
	u.publishGauges(u.effectiveRPM())

	close(u.wake)
	u.wake = make(chan struct{})
}

// prune drops window events older than the sliding window. Invariant: no
// timestamp older than 60s survives an access.
func (u *unit) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(u.windowEvents) && !u.windowEvents[i].After(cutoff) {
		i++
	}
	if i > 0 {
		u.windowEvents = append(u.windowEvents[:0], u.windowEvents[i:]...)
	}
}

// refill advances the token bucket at the effective RPM rate, capped at burst.
func (u *unit) refill(now time.Time) {
	if u.burst == 0 {
		return
	}

	elapsed := now.Sub(u.lastRefill)
	if elapsed <= 0 {
		return
	}

	rate := float64(u.effectiveRPM()) / Window.Seconds()
	u.tokens += rate * elapsed.Seconds()
	if u.tokens > u.burst {
		u.tokens = u.burst
	}
	u.lastRefill = now
}

// effectiveRPM clamps the throttle controller's value into (0, configured].
func (u *unit) effectiveRPM() int {
	eff := u.effective(u.providerID)
	if eff <= 0 {
		eff = 1
	}
	if eff > u.configuredRPM {
		eff = u.configuredRPM
	}
	return eff
}

// nextWake bounds how long a waiter sleeps before re-checking: until the
// oldest window event expires, until a token refills, or a coarse tick when
// only the concurrency budget blocks (release wakes those waiters sooner).
func (u *unit) nextWake(now time.Time, effRPM int) time.Duration {
	wait := Window

	if len(u.windowEvents) >= effRPM && len(u.windowEvents) > 0 {
		if d := u.windowEvents[0].Add(Window).Sub(now); d < wait {
			wait = d
		}
	}

	if u.burst > 0 && u.tokens < 1 {
		rate := float64(effRPM) / Window.Seconds()
		if rate > 0 {
			if d := time.Duration((1 - u.tokens) / rate * float64(time.Second)); d < wait {
				wait = d
			}
		}
	}

	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (u *unit) publishGauges(effRPM int) {
	if u.metrics != nil {
		u.metrics.UpdateCapacity(u.providerID, u.inFlight, len(u.windowEvents), effRPM)
	}
}
