package headway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/headway"
	"roundabout.dev/analytics/model"
)

var t0 = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

type fixedSchedule map[string]int

func (s fixedSchedule) ScheduledHeadway(line, direction, stopID string, t time.Time) (int, bool) {
	h, found := s[line+"/"+direction+"/"+stopID]
	return h, found
}

func arrivalAt(vehicleKey, stopID string, offset time.Duration) *model.Arrival {
	return &model.Arrival{
		VehicleKey: vehicleKey,
		LineNumber: "7",
		Direction:  "0",
		StopID:     stopID,
		StopCode:   "1002",
		ArrivalAt:  t0.Add(offset),
	}
}

func TestHeadways(t *testing.T) {
	d := headway.NewDetector(headway.Config{}, fixedSchedule{"7/0/s2": 600})

	assert.Nil(t, d.Observe(arrivalAt("garage:P1", "s2", 0)))

	h := d.Observe(arrivalAt("garage:P2", "s2", 300*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 300, h.HeadwaySeconds)
	require.NotNil(t, h.ScheduledHeadwaySeconds)
	assert.Equal(t, 600, *h.ScheduledHeadwaySeconds)
	assert.Equal(t, "garage:P2", h.VehicleKey)
	assert.Equal(t, "garage:P1", h.PrevVehicleKey)
	assert.Equal(t, t0.Add(300*time.Second), h.ObservedAt)
	assert.False(t, d.Bunched(h))
	assert.False(t, h.Bunched)

	h = d.Observe(arrivalAt("garage:P3", "s2", 360*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 60, h.HeadwaySeconds)
	assert.True(t, d.Bunched(h))
	assert.True(t, h.Bunched)

	// Other stops are sequenced separately.
	assert.Nil(t, d.Observe(arrivalAt("garage:P3", "s3", 400*time.Second)))
	assert.Equal(t, 2, d.Len())
}

func TestUnscheduledHeadway(t *testing.T) {
	d := headway.NewDetector(headway.Config{}, nil)

	d.Observe(arrivalAt("garage:P1", "s2", 0))
	h := d.Observe(arrivalAt("garage:P2", "s2", 45*time.Second))
	require.NotNil(t, h)
	assert.Nil(t, h.ScheduledHeadwaySeconds)
	assert.True(t, d.Bunched(h))

	h = d.Observe(arrivalAt("garage:P3", "s2", 105*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 60, h.HeadwaySeconds)
	assert.False(t, d.Bunched(h))
}

func TestHeadwayOrdering(t *testing.T) {
	d := headway.NewDetector(headway.Config{MaxGap: time.Hour}, nil)

	d.Observe(arrivalAt("garage:P2", "s2", 600*time.Second))

	// Nothing known before it.
	assert.Nil(t, d.Observe(arrivalAt("garage:P1", "s2", 300*time.Second)))

	// Same arrival replayed.
	assert.Nil(t, d.Observe(arrivalAt("garage:P2", "s2", 600*time.Second)))

	// Two vehicles arriving together.
	h := d.Observe(arrivalAt("garage:P3", "s2", 600*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 0, h.HeadwaySeconds)
	assert.Equal(t, "garage:P2", h.PrevVehicleKey)

	// After a service break the sequence restarts.
	assert.Nil(t, d.Observe(arrivalAt("garage:P4", "s2", 2*time.Hour)))
	h = d.Observe(arrivalAt("garage:P5", "s2", 2*time.Hour+10*time.Minute))
	require.NotNil(t, h)
	assert.Equal(t, "garage:P4", h.PrevVehicleKey)

	// Too late to place against what is remembered.
	assert.Nil(t, d.Observe(arrivalAt("garage:P6", "s2", 900*time.Second)))
}

func TestHeadwayLateArrival(t *testing.T) {
	d := headway.NewDetector(headway.Config{}, fixedSchedule{"7/0/s2": 600})

	assert.Nil(t, d.Observe(arrivalAt("garage:A", "s2", 0)))

	h := d.Observe(arrivalAt("garage:C", "s2", 600*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 600, h.HeadwaySeconds)
	assert.Equal(t, "garage:A", h.PrevVehicleKey)

	// B arrived between A and C but is delivered last.
	h = d.Observe(arrivalAt("garage:B", "s2", 300*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 300, h.HeadwaySeconds)
	assert.Equal(t, "garage:A", h.PrevVehicleKey)
	assert.Equal(t, t0.Add(300*time.Second), h.ObservedAt)

	// D follows C, not B.
	h = d.Observe(arrivalAt("garage:D", "s2", 660*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 60, h.HeadwaySeconds)
	assert.Equal(t, "garage:C", h.PrevVehicleKey)
	assert.True(t, h.Bunched)
}

func TestHeadwayWindow(t *testing.T) {
	d := headway.NewDetector(headway.Config{Window: 2}, nil)

	d.Observe(arrivalAt("garage:P1", "s2", 0))
	d.Observe(arrivalAt("garage:P2", "s2", 100*time.Second))
	d.Observe(arrivalAt("garage:P3", "s2", 200*time.Second))

	// P1 fell out of the window, so nothing precedes 50s.
	assert.Nil(t, d.Observe(arrivalAt("garage:P4", "s2", 50*time.Second)))

	h := d.Observe(arrivalAt("garage:P5", "s2", 150*time.Second))
	require.NotNil(t, h)
	assert.Equal(t, 50, h.HeadwaySeconds)
	assert.Equal(t, "garage:P2", h.PrevVehicleKey)
}
