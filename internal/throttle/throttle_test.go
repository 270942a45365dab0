package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/pkg/config"
)

func testThrottleConfig() config.ThrottleConfig {
	return config.ThrottleConfig{
		SpikeThreshold: 5,
		ReductionStep:  0.8,
		ReductionFloor: 0.3,
		RestoreStep:    0.2,
		StableMinutes:  3,
		LookbackWindow: 5 * time.Minute,
		TickInterval:   time.Minute,
	}
}

func newTestController(t *testing.T) (*Controller, *time.Time) {
	t.Helper()
	clock := time.Now()
	c := NewController(testThrottleConfig(), map[string]config.ProviderConfig{
		"openai":    {ID: "openai", RPM: 100},
		"anthropic": {ID: "anthropic", RPM: 50},
	}, nil, nil, nil)
	c.nowFunc = func() time.Time { return clock }
	return c, &clock
}

func reject(c *Controller, providerID string, n int) {
	for i := 0; i < n; i++ {
		c.RecordOutcome(context.Background(), providerID, provider.OutcomeRejected)
	}
}

func TestController_StartsAtFullCapacity(t *testing.T) {
	c, _ := newTestController(t)

	assert.Equal(t, 100, c.EffectiveRPM("openai"))
	assert.Equal(t, 50, c.EffectiveRPM("anthropic"))
	assert.Equal(t, 0, c.EffectiveRPM("unknown"))

	snap, ok := c.Snapshot("openai")
	require.True(t, ok)
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 1.0, snap.Factor)
}

func TestController_RejectionsBelowThresholdDoNothing(t *testing.T) {
	c, _ := newTestController(t)

	reject(c, "openai", 5)

	assert.Equal(t, 100, c.EffectiveRPM("openai"))
	snap, _ := c.Snapshot("openai")
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 5, snap.RecentRejections)
}

func TestController_SpikeReducesCapacity(t *testing.T) {
	c, _ := newTestController(t)

	reject(c, "openai", 6)

	assert.Equal(t, 80, c.EffectiveRPM("openai"))
	snap, _ := c.Snapshot("openai")
	assert.Equal(t, StateThrottled, snap.State)
	assert.InDelta(t, 0.8, snap.Factor, 1e-9)

	// The other provider is untouched.
	assert.Equal(t, 50, c.EffectiveRPM("anthropic"))
}

func TestController_RepeatedSpikesCompoundToFloor(t *testing.T) {
	c, _ := newTestController(t)

	// Each spike multiplies by 0.8: 1.0 -> 0.8 -> 0.64 -> 0.512 -> 0.4096
	// -> 0.32768 -> clamped at 0.3.
	for i := 0; i < 10; i++ {
		reject(c, "openai", 6)
	}

	snap, _ := c.Snapshot("openai")
	assert.Equal(t, 0.3, snap.Factor)
	assert.Equal(t, 30, c.EffectiveRPM("openai"))

	// Further spikes cannot push below the floor.
	reject(c, "openai", 6)
	snap, _ = c.Snapshot("openai")
	assert.Equal(t, 0.3, snap.Factor)
}

func TestController_SpikeWindowSlides(t *testing.T) {
	c, clock := newTestController(t)

	reject(c, "openai", 5)
	// A minute later those five have aged out; one more is not a spike.
	*clock = clock.Add(SpikeWindow + time.Second)
	reject(c, "openai", 1)

	assert.Equal(t, 100, c.EffectiveRPM("openai"))
}

func TestController_NonRejectionOutcomesDoNotThrottle(t *testing.T) {
	c, _ := newTestController(t)

	for i := 0; i < 20; i++ {
		c.RecordOutcome(context.Background(), "openai", provider.OutcomeTimeout)
		c.RecordOutcome(context.Background(), "openai", provider.OutcomeNetwork)
		c.RecordOutcome(context.Background(), "openai", provider.OutcomeSuccess)
	}

	assert.Equal(t, 100, c.EffectiveRPM("openai"))
	snap, _ := c.Snapshot("openai")
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 0, snap.RecentRejections)
}

func TestController_StableMinutesRestoreCapacity(t *testing.T) {
	c, clock := newTestController(t)

	reject(c, "openai", 6)
	require.Equal(t, 80, c.EffectiveRPM("openai"))

	// Three calm minutes earn one restore step: 0.8 -> 1.0.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Minute)
		c.tick(context.Background())
	}

	assert.Equal(t, 100, c.EffectiveRPM("openai"))
	snap, _ := c.Snapshot("openai")
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 1.0, snap.Factor)
}

func TestController_RejectionResetsStabilityClock(t *testing.T) {
	c, clock := newTestController(t)

	reject(c, "openai", 6)

	*clock = clock.Add(time.Minute)
	c.tick(context.Background())
	*clock = clock.Add(time.Minute)
	c.tick(context.Background())

	snap, _ := c.Snapshot("openai")
	require.Equal(t, 2, snap.StableMinutes)

	// A single rejection wipes the accumulated stable minutes.
	reject(c, "openai", 1)
	snap, _ = c.Snapshot("openai")
	assert.Equal(t, 0, snap.StableMinutes)
	assert.Equal(t, StateThrottled, snap.State)

	// The tick right after still sees the rejection in its window.
	*clock = clock.Add(30 * time.Second)
	c.tick(context.Background())
	snap, _ = c.Snapshot("openai")
	assert.Equal(t, 0, snap.StableMinutes)
}

func TestController_RestoreClimbsStepwiseFromFloor(t *testing.T) {
	c, clock := newTestController(t)

	for i := 0; i < 10; i++ {
		reject(c, "openai", 6)
	}
	snap, _ := c.Snapshot("openai")
	require.Equal(t, 0.3, snap.Factor)

	// 0.3 -> 0.5 -> 0.7 -> 0.9 -> 1.0, three stable minutes per step.
	expected := []float64{0.5, 0.7, 0.9, 1.0}
	for _, want := range expected {
		for i := 0; i < 3; i++ {
			*clock = clock.Add(time.Minute)
			c.tick(context.Background())
		}
		snap, _ = c.Snapshot("openai")
		assert.InDelta(t, want, snap.Factor, 1e-9)
	}

	snap, _ = c.Snapshot("openai")
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 100, c.EffectiveRPM("openai"))
}

func TestController_EffectiveRPMNeverBelowOne(t *testing.T) {
	c := NewController(testThrottleConfig(), map[string]config.ProviderConfig{
		"tiny": {ID: "tiny", RPM: 2},
	}, nil, nil, nil)

	for i := 0; i < 10; i++ {
		reject(c, "tiny", 6)
	}

	// 2 * 0.3 floors to 0 and clamps to 1.
	assert.Equal(t, 1, c.EffectiveRPM("tiny"))
}

func TestController_StartStop(t *testing.T) {
	c, _ := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Stop()
	c.Stop()
}
