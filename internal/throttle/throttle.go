// Package throttle adapts each provider's effective RPM to observed
// rejection pressure. A spike of rate-limit rejections shrinks the provider's
// window multiplicatively; sustained calm restores it additively until the
// configured ceiling is back in force.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/pkg/alerting"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logging"
	"github.com/modelrelay/modelrelay/pkg/metrics"
)

// State of a provider's throttle.
type State string

const (
	StateNormal    State = "normal"
	StateThrottled State = "throttled"
)

// SpikeWindow is the span over which rejections count toward a spike.
const SpikeWindow = time.Minute

// Snapshot is a read-only view of one provider's throttle state.
type Snapshot struct {
	ProviderID       string    `json:"provider_id"`
	State            State     `json:"state"`
	Factor           float64   `json:"reduction_factor"`
	ConfiguredRPM    int       `json:"configured_rpm"`
	EffectiveRPM     int       `json:"effective_rpm"`
	RecentRejections int       `json:"recent_rejections"`
	StableMinutes    int       `json:"stable_minutes"`
	ObservedAt       time.Time `json:"observed_at"`
}

// providerState carries one provider's throttle position. Guarded by mu;
// providers never share locks.
type providerState struct {
	mu sync.Mutex

	providerID    string
	configuredRPM int

	state         State
	factor        float64
	rejections    []time.Time
	stableMinutes int
}

// Controller owns the throttle state machine for every configured provider.
type Controller struct {
	cfg       config.ThrottleConfig
	providers map[string]*providerState

	alerts  *alerting.Service
	metrics *metrics.Metrics
	logger  *logging.Logger
	nowFunc func() time.Time

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewController builds throttle state for each provider, starting at factor
// 1.0 (no reduction). Alerts and metrics are optional.
func NewController(cfg config.ThrottleConfig, providers map[string]config.ProviderConfig, alerts *alerting.Service, m *metrics.Metrics, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.GetLogger()
	}

	states := make(map[string]*providerState, len(providers))
	for id, p := range providers {
		states[id] = &providerState{
			providerID:    id,
			configuredRPM: p.RPM,
			state:         StateNormal,
			factor:        1.0,
		}
	}

	return &Controller{
		cfg:       cfg,
		providers: states,
		alerts:    alerts,
		metrics:   m,
		logger:    logger,
		nowFunc:   time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the minute ticker that drives stability counting and restores.
func (c *Controller) Start(ctx context.Context) {
	c.started = true
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop halts the ticker. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.started {
		<-c.doneCh
	}
}

// EffectiveRPM reports the provider's current RPM ceiling: configured RPM
// scaled by the reduction factor, never below 1. Unknown providers get 0.
func (c *Controller) EffectiveRPM(providerID string) int {
	p, ok := c.providers[providerID]
	if !ok {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveRPM()
}

// RecordOutcome feeds one attempt outcome into the state machine. Only
// provider rejections move the throttle; admission timeouts never reach here
// and other outcomes only reset the stability clock when they are failures.
func (c *Controller) RecordOutcome(ctx context.Context, providerID string, class provider.OutcomeClass) {
	p, ok := c.providers[providerID]
	if !ok {
		return
	}

	if class != provider.OutcomeRejected {
		return
	}

	now := c.nowFunc()

	p.mu.Lock()
	p.rejections = append(p.rejections, now)
	p.prune(now, c.lookback())
	p.stableMinutes = 0

	recent := p.countSince(now.Add(-SpikeWindow))
	if recent <= c.cfg.SpikeThreshold {
		p.mu.Unlock()
		return
	}
	if p.factor <= c.cfg.ReductionFloor {
		p.mu.Unlock()
		return
	}

	oldRPM := p.effectiveRPM()

	p.factor = math.Max(p.factor*c.cfg.ReductionStep, c.cfg.ReductionFloor)
	p.state = StateThrottled
	// Reducing consumes the spike; the next reduction needs a fresh one.
	p.rejections = p.rejections[:0]
	newRPM := p.effectiveRPM()
	p.mu.Unlock()

	c.logger.LogThrottleEvent(ctx, providerID, "reduce", oldRPM, newRPM, logging.Fields{
		"rejections_in_window": recent,
	})
	if c.metrics != nil {
		c.metrics.RecordThrottleTransition(providerID, "spike")
	}
	if c.alerts != nil {
		c.alerts.Publish(alerting.NewThrottleActivatedAlert(providerID, recent, oldRPM, newRPM))
	}
}

// Snapshot returns a read-only view of a provider's throttle state.
func (c *Controller) Snapshot(providerID string) (Snapshot, bool) {
	p, ok := c.providers[providerID]
	if !ok {
		return Snapshot{}, false
	}

	now := c.nowFunc()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now, c.lookback())

	return Snapshot{
		ProviderID:       p.providerID,
		State:            p.state,
		Factor:           p.factor,
		ConfiguredRPM:    p.configuredRPM,
		EffectiveRPM:     p.effectiveRPM(),
		RecentRejections: p.countSince(now.Add(-SpikeWindow)),
		StableMinutes:    p.stableMinutes,
		ObservedAt:       now,
	}, true
}

// tick advances every throttled provider's stability clock: a full interval
// without rejections counts as one stable minute, and enough stable minutes
// restore one step of capacity.
func (c *Controller) tick(ctx context.Context) {
	now := c.nowFunc()

	for id, p := range c.providers {
		p.mu.Lock()
		if p.state != StateThrottled {
			p.mu.Unlock()
			continue
		}

		p.prune(now, c.lookback())
		if p.countSince(now.Add(-SpikeWindow)) > 0 {
			p.stableMinutes = 0
			p.mu.Unlock()
			continue
		}

		p.stableMinutes++
		if p.stableMinutes < c.cfg.StableMinutes {
			p.mu.Unlock()
			continue
		}

		oldRPM := p.effectiveRPM()
		p.factor = math.Min(p.factor+c.cfg.RestoreStep, 1.0)
		p.stableMinutes = 0
		restored := p.factor >= 1.0
		if restored {
			p.state = StateNormal
		}
		newRPM := p.effectiveRPM()
		p.mu.Unlock()

		c.logger.LogThrottleEvent(ctx, id, "restore", oldRPM, newRPM, logging.Fields{
			"fully_restored": restored,
		})
		if c.metrics != nil {
			c.metrics.RecordThrottleTransition(id, "restore")
		}
		if c.alerts != nil && restored {
			c.alerts.Publish(alerting.NewThrottleRestoredAlert(id, oldRPM, newRPM))
		}
	}
}

// effectiveRPM computes configured RPM scaled by the factor, floored at 1.
// Caller holds p.mu.
func (p *providerState) effectiveRPM() int {
	rpm := int(math.Floor(float64(p.configuredRPM) * p.factor))
	if rpm < 1 {
		rpm = 1
	}
	return rpm
}

// lookback is how long rejection history is retained. It never shrinks below
// the spike window.
func (c *Controller) lookback() time.Duration {
	if c.cfg.LookbackWindow > SpikeWindow {
		return c.cfg.LookbackWindow
	}
	return SpikeWindow
}

// prune drops rejections older than the retention span. Caller holds p.mu.
func (p *providerState) prune(now time.Time, keep time.Duration) {
	cutoff := now.Add(-keep)
	i := 0
	for i < len(p.rejections) && !p.rejections[i].After(cutoff) {
		i++
	}
	if i > 0 {
		p.rejections = append(p.rejections[:0], p.rejections[i:]...)
	}
}

// countSince counts rejections strictly after the cutoff. Caller holds p.mu.
func (p *providerState) countSince(cutoff time.Time) int {
	n := 0
	for i := len(p.rejections) - 1; i >= 0; i-- {
		if !p.rejections[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

