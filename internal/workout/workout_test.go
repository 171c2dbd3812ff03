package workout

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

func TestVO2MaxEligible_RequiresAllFourConditions(t *testing.T) {
	eligible, reason := vo2MaxEligible(0, 300, 150, 80)
	assert.False(t, eligible, "unknown weight must be ineligible")
	assert.Equal(t, reasonWeightUnknown, reason)

	eligible, reason = vo2MaxEligible(75, 100, 150, 80)
	assert.False(t, eligible, "under 120s active duration must be ineligible")
	assert.Equal(t, reasonDurationTooLow, reason)

	eligible, reason = vo2MaxEligible(75, 300, 150, 40)
	assert.False(t, eligible, "fewer than 60 HR-carrying samples must be ineligible")
	assert.Equal(t, reasonTooFewHRSamples, reason)

	eligible, reason = vo2MaxEligible(75, 300, 100, 80)
	assert.False(t, eligible, "mean HR under 120 must be ineligible")
	assert.Equal(t, reasonHRTooLow, reason)

	eligible, reason = vo2MaxEligible(75, 300, 150, 80)
	assert.True(t, eligible, "weight known, mean HR >= 120, duration >= 120s, >=60 HR samples must be eligible")
	assert.Empty(t, reason)
}

func TestEstimateVO2Max_UsesOverridesWhenPresent(t *testing.T) {
	withoutOverrides := estimateVO2Max(35, nil, nil)
	hrMax := 190
	hrRest := 50
	withOverrides := estimateVO2Max(35, &hrMax, &hrRest)
	assert.NotEqual(t, withoutOverrides, withOverrides, "supplying HR overrides must change the estimate")
	assert.Greater(t, withOverrides, 0.0)
}

func TestEstimateVO2Max_DefaultsToSpecFormula(t *testing.T) {
	// HRmax defaults to 208 - 0.7*age; HRrest defaults to 60.
	got := estimateVO2Max(30, nil, nil)
	want := 15.3 * ((208.0 - 0.7*30.0) / 60.0)
	assert.InDelta(t, want, got, 0.01)
}

func TestAggregator_TimeWeightedAvgSpeed(t *testing.T) {
	var a aggregator
	// 10s at 20kph, then 10s at 40kph -> weighted average should be 30kph.
	a.addSpeed(20, 10)
	a.addSpeed(40, 10)
	assert.InDelta(t, 30.0, a.timeWeightedAvgSpeed(), 0.001)
}

func TestAggregator_AvgAndMaxTracking(t *testing.T) {
	var a aggregator
	p1, p2 := 150, 250
	hr1, hr2 := 120, 160
	a.observe(telemetry.Sample{InstantPowerW: &p1, HeartRateBPM: &hr1})
	a.observe(telemetry.Sample{InstantPowerW: &p2, HeartRateBPM: &hr2})

	assert.Equal(t, 200.0, a.avgPower())
	assert.Equal(t, 250, a.maxPower)
	assert.Equal(t, 140.0, a.avgHeartRate())
	assert.Equal(t, 160, a.maxHeartRate)
	assert.Equal(t, 2, a.count)
}
