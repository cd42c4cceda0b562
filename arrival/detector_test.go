package arrival_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/arrival"
	"roundabout.dev/analytics/identity"
	"roundabout.dev/analytics/model"
)

var (
	t0  = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	bus = identity.Key{Kind: identity.KindExact, Value: "garage:P1"}
)

func at(n int) time.Time {
	return t0.Add(time.Duration(n) * 30 * time.Second)
}

func cycleID(n int) string {
	return fmt.Sprintf("c%02d", n)
}

// Observation of bus against stop in cycle n.
func sample(n int, stopID string, left int) *model.Observation {
	direction := "0"
	return &model.Observation{
		ObservedAt:  at(n),
		CycleID:     cycleID(n),
		StopID:      stopID,
		StopCode:    stopID,
		LineNumber:  "7",
		Direction:   &direction,
		SecondsLeft: &left,
	}
}

func endCycle(d *arrival.Detector, n int, failed ...string) ([]*arrival.Event, int) {
	failedStops := map[string]bool{}
	for _, stopID := range failed {
		failedStops[stopID] = true
	}
	return d.EndCycle(&arrival.Cycle{
		ID:             cycleID(n),
		StartedAt:      at(n),
		FailedStops:    failedStops,
		StopObservedAt: map[string]time.Time{},
	})
}

func TestCrossing(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	assert.Nil(t, d.Observe(bus, sample(0, "s1", 60)))
	a, found := d.Approach(bus, "s1")
	require.True(t, found)
	assert.Equal(t, arrival.StateApproaching, a.State)

	assert.Nil(t, d.Observe(bus, sample(1, "s1", 20)))
	assert.Equal(t, arrival.StateImminent, a.State)
	assert.Equal(t, 1, a.ImminentCycles)

	event := d.Observe(bus, sample(2, "s1", -5))
	require.NotNil(t, event)
	assert.Equal(t, at(2), event.Arrival.ArrivalAt)
	assert.Equal(t, "c02", event.Arrival.SourceCycleID)
	assert.Equal(t, at(2), event.Arrival.SourceObservedAt)
	assert.Equal(t, "garage:P1", event.Arrival.VehicleKey)
	assert.Equal(t, "0", event.Arrival.Direction)
	assert.Equal(t, arrival.StateArrived, event.Approach.State)
	assert.Len(t, event.Approach.Samples, 3)

	_, found = d.Approach(bus, "s1")
	assert.False(t, found)
	assert.Equal(t, 0, d.Len())
}

func TestCrossingFromApproaching(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	assert.Nil(t, d.Observe(bus, sample(0, "s1", 120)))
	a, found := d.Approach(bus, "s1")
	require.True(t, found)
	assert.Equal(t, arrival.StateApproaching, a.State)
	assert.Equal(t, 0, a.ImminentCycles)

	event := d.Observe(bus, sample(1, "s1", 0))
	require.NotNil(t, event)
	assert.Equal(t, at(1), event.Arrival.ArrivalAt)
	assert.Equal(t, 1, event.Approach.ImminentCycles)
	assert.Equal(t, arrival.StateArrived, event.Approach.State)
}

func TestCrossingNeedsPositivePredecessor(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	// A first sample that is already due is not a crossing.
	assert.Nil(t, d.Observe(bus, sample(0, "s1", 0)))
	assert.Nil(t, d.Observe(bus, sample(1, "s1", -10)))

	a, found := d.Approach(bus, "s1")
	require.True(t, found)
	assert.Equal(t, arrival.StateImminent, a.State)
	assert.Equal(t, 2, a.ImminentCycles)
}

func TestDisappearance(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	d.Observe(bus, sample(0, "s2", 90))
	events, abandoned := endCycle(d, 0)
	assert.Empty(t, events)
	assert.Equal(t, 0, abandoned)

	d.Observe(bus, sample(1, "s2", 20))
	events, _ = endCycle(d, 1)
	assert.Empty(t, events)

	// The stop was polled 32s after the last sample; the arrival
	// is capped at half a poll interval after it.
	events, abandoned = d.EndCycle(&arrival.Cycle{
		ID:             "c02",
		StartedAt:      at(2),
		StopObservedAt: map[string]time.Time{"s2": at(1).Add(32 * time.Second)},
	})
	assert.Equal(t, 0, abandoned)
	require.Len(t, events, 1)
	assert.Equal(t, at(1).Add(15*time.Second), events[0].Arrival.ArrivalAt)
	assert.Equal(t, "c02", events[0].Arrival.SourceCycleID)
	assert.Equal(t, at(1).Add(32*time.Second), events[0].Arrival.SourceObservedAt)

	// Ending the same cycle again is a no-op.
	events, abandoned = endCycle(d, 2)
	assert.Empty(t, events)
	assert.Equal(t, 0, abandoned)
}

func TestDisappearanceMidpoint(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{PollInterval: time.Minute})

	d.Observe(bus, sample(0, "s2", 10))
	events, _ := endCycle(d, 1)
	require.Len(t, events, 1)
	assert.Equal(t, at(0).Add(15*time.Second), events[0].Arrival.ArrivalAt)
}

func TestAbandoned(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{MissingCyclesToClose: 2})

	d.Observe(bus, sample(0, "s3", 300))

	events, abandoned := endCycle(d, 1)
	assert.Empty(t, events)
	assert.Equal(t, 0, abandoned)
	a, found := d.Approach(bus, "s3")
	require.True(t, found)
	assert.Equal(t, 1, a.MissingCycles)
	assert.Equal(t, at(1), a.FirstMissingAt)

	events, abandoned = endCycle(d, 2)
	assert.Empty(t, events)
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, arrival.StateAbandoned, a.State)
	assert.Equal(t, 0, d.Len())
}

func TestReappearanceResetsMissingCount(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{MissingCyclesToClose: 2})

	d.Observe(bus, sample(0, "s3", 300))
	endCycle(d, 1)
	d.Observe(bus, sample(2, "s3", 240))
	endCycle(d, 2)

	a, found := d.Approach(bus, "s3")
	require.True(t, found)
	assert.Equal(t, 0, a.MissingCycles)

	_, abandoned := endCycle(d, 3)
	assert.Equal(t, 0, abandoned)
}

func TestFailedStopsKeepApproachOpen(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	d.Observe(bus, sample(0, "s1", 20))
	events, abandoned := endCycle(d, 1, "s1")
	assert.Empty(t, events)
	assert.Equal(t, 0, abandoned)

	a, found := d.Approach(bus, "s1")
	require.True(t, found)
	assert.Equal(t, 0, a.MissingCycles)

	events, _ = endCycle(d, 2)
	assert.Len(t, events, 1)
}

func TestLateCycleDoesNotClose(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	d.Observe(bus, sample(3, "s1", 20))
	events, abandoned := endCycle(d, 2)
	assert.Empty(t, events)
	assert.Equal(t, 0, abandoned)
	assert.Equal(t, 1, d.Len())
}

func TestReapproachCooldown(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	d.Observe(bus, sample(0, "s1", 20))
	require.NotNil(t, d.Observe(bus, sample(1, "s1", -5)))

	// Stale predictions right after the arrival are ignored.
	assert.Nil(t, d.Observe(bus, sample(2, "s1", -20)))
	_, found := d.Approach(bus, "s1")
	assert.False(t, found)

	// Other stops are unaffected.
	d.Observe(bus, sample(2, "s2", 100))
	_, found = d.Approach(bus, "s2")
	assert.True(t, found)

	// Once the cooldown is over the vehicle can approach again.
	d.Observe(bus, sample(25, "s1", 500))
	_, found = d.Approach(bus, "s1")
	assert.True(t, found)
}

func TestDuplicateAndLateSamples(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})

	d.Observe(bus, sample(1, "s1", 50))
	d.Observe(bus, sample(1, "s1", 10))

	a, found := d.Approach(bus, "s1")
	require.True(t, found)
	require.Len(t, a.Samples, 1)
	assert.Equal(t, 50, *a.Samples[0].SecondsLeft)
	assert.Equal(t, arrival.StateApproaching, a.State)

	// Inserted in order but doesn't move the approach.
	d.Observe(bus, sample(0, "s1", 10))
	require.Len(t, a.Samples, 2)
	assert.Equal(t, "c00", a.Samples[0].CycleID)
	assert.Equal(t, "c01", a.LastSeenCycle)
	assert.Equal(t, arrival.StateApproaching, a.State)
}

func TestHistoryWindow(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{HistoryWindow: 3})

	for n := 0; n < 5; n++ {
		d.Observe(bus, sample(n, "s4", 600-n*30))
	}

	a, found := d.Approach(bus, "s4")
	require.True(t, found)
	require.Len(t, a.Samples, 3)
	assert.Equal(t, "c02", a.Samples[0].CycleID)
	assert.Equal(t, "c04", a.Samples[2].CycleID)

	// Older than everything kept.
	d.Observe(bus, sample(-1, "s4", 700))
	assert.Len(t, a.Samples, 3)
	assert.Equal(t, "c02", a.Samples[0].CycleID)
}

func TestResetAndForget(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})
	other := identity.Key{Kind: identity.KindExact, Value: "garage:P2"}

	d.Observe(bus, sample(0, "s1", 20))
	d.Observe(bus, sample(0, "s2", 140))
	d.Observe(other, sample(0, "s1", 200))
	assert.Equal(t, 3, d.Len())

	d.Reset(bus)
	assert.Equal(t, 1, d.Len())

	d.Observe(other, sample(1, "s1", 10))
	require.NotNil(t, d.Observe(other, sample(2, "s1", 0)))

	// Forget clears the cooldown too.
	d.Forget(other)
	d.Observe(other, sample(3, "s1", -30))
	_, found := d.Approach(other, "s1")
	assert.True(t, found)
}

func TestEndCycleOrdersEvents(t *testing.T) {
	d := arrival.NewDetector(arrival.Config{})
	keys := []identity.Key{
		{Kind: identity.KindExact, Value: "garage:P3"},
		{Kind: identity.KindExact, Value: "garage:P1"},
		{Kind: identity.KindExact, Value: "garage:P2"},
	}
	for _, key := range keys {
		d.Observe(key, sample(0, "s1", 10))
		d.Observe(key, sample(0, "s2", 25))
	}

	events, _ := endCycle(d, 1)
	require.Len(t, events, 6)
	got := []string{}
	for _, e := range events {
		got = append(got, e.Arrival.VehicleKey+"@"+e.Arrival.StopID)
	}
	assert.Equal(t, []string{
		"garage:P1@s1", "garage:P1@s2",
		"garage:P2@s1", "garage:P2@s2",
		"garage:P3@s1", "garage:P3@s2",
	}, got)
}
