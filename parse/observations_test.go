package parse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/model"
)

func TestParseObservations(t *testing.T) {
	input := strings.Join([]string{
		`{"observed_at":"2025-07-01T08:00:03Z","cycle_id":"c1","stop_id":"s2","stop_code":1002,"line_number":7,"line_name":"Line 7","direction":0,"seconds_left":75,"predicted_arrival_at":"2025-07-01T08:01:18Z","stations_between":1,"vehicle_id":"P80276","vehicle_lat":44.816,"vehicle_lon":20.45}`,
		``,
		`{"observed_at":"2025-07-01T08:00:04Z","cycle_id":"c1","stop_id":"s3","stop_code":"1003","line_number":"7","direction":null,"vehicle_id":"  "}`,
		`not json at all`,
		`{"observed_at":"2025-07-01T08:00:05Z","cycle_id":"c1","stop_id":"s4","line_number":"7","vehicle_id":{"nested":true}}`,
		`{"observed_at":"2025-07-01T08:00:06Z","cycle_id":"c1","line_number":"7"}`,
	}, "\n")

	observations, skipped, err := ParseObservations(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, observations, 3)

	o := observations[0]
	assert.Equal(t, time.Date(2025, 7, 1, 8, 0, 3, 0, time.UTC), o.ObservedAt)
	assert.Equal(t, "1002", o.StopCode)
	assert.Equal(t, "7", o.LineNumber)
	assert.Equal(t, "0", *o.Direction)
	assert.Equal(t, 75, *o.SecondsLeft)
	assert.Equal(t, 1, *o.StationsBetween)
	assert.Equal(t, "P80276", *o.VehicleID)
	assert.Equal(t, 44.816, *o.VehicleLat)
	assert.Equal(t, time.Date(2025, 7, 1, 8, 1, 18, 0, time.UTC), *o.PredictedArrivalAt)

	o = observations[1]
	assert.Nil(t, o.Direction)
	assert.Nil(t, o.VehicleID)
	assert.Nil(t, o.SecondsLeft)

	// Decodes, but is left for the engine to reject.
	assert.ErrorIs(t, observations[2].Validate(), model.ErrMalformedObservation)
}

func TestParseCycleSummaries(t *testing.T) {
	summaries, err := ParseCycleSummaries(strings.NewReader(`
{"cycle_id":"c1","started_at":"2025-07-01T08:00:00Z","finished_at":"2025-07-01T08:00:21Z","stops_total":1200,"responses":1198,"errors":2,"predictions":5400,"unique_vehicles":840}

{"cycle_id":"c2","started_at":"2025-07-01T08:00:30Z"}
`))
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries["c1"].Errors)
	assert.Equal(t, 840, summaries["c1"].UniqueVehicles)
	assert.Equal(t, time.Date(2025, 7, 1, 8, 0, 30, 0, time.UTC), summaries["c2"].StartedAt)

	_, err = ParseCycleSummaries(strings.NewReader(`{"started_at":"2025-07-01T08:00:00Z"}`))
	assert.Error(t, err)
	_, err = ParseCycleSummaries(strings.NewReader(`{"cycle_id":`))
	assert.Error(t, err)
}

func TestBatchCycles(t *testing.T) {
	t0 := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	obs := func(cycleID string, offset time.Duration, stopID string) model.Observation {
		o := model.Observation{CycleID: cycleID, StopID: stopID, LineNumber: "7"}
		if offset >= 0 {
			o.ObservedAt = t0.Add(offset)
		}
		return o
	}

	summaries := map[string]*model.CycleSummary{
		"c2": {CycleID: "c2", StartedAt: t0.Add(30 * time.Second)},
		// Nothing observed in c3, e.g. every request failed.
		"c3": {CycleID: "c3", StartedAt: t0.Add(60 * time.Second)},
	}

	batches := BatchCycles([]model.Observation{
		obs("c2", 32*time.Second, "s1"),
		obs("c1", 5*time.Second, "s1"),
		// Missing observed_at doesn't move the cycle.
		obs("c1", -1, "s2"),
		obs("c2", 31*time.Second, "s2"),
		obs("c1", 2*time.Second, "s3"),
	}, summaries)

	require.Len(t, batches, 3)
	assert.Equal(t, "c1", batches[0].CycleID)
	assert.Len(t, batches[0].Observations, 3)
	assert.Nil(t, batches[0].Summary)

	assert.Equal(t, "c2", batches[1].CycleID)
	assert.Len(t, batches[1].Observations, 2)
	assert.Equal(t, summaries["c2"], batches[1].Summary)

	assert.Equal(t, "c3", batches[2].CycleID)
	assert.Empty(t, batches[2].Observations)
	assert.Equal(t, summaries["c3"], batches[2].Summary)
}
