package testutil

// Helpers and fixtures for tests.

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/parse"
	"roundabout.dev/analytics/schedule"
)

func Ptr[T any](v T) *T {
	return &v
}

// BuildIndex parses files into a closed schedule index. Missing
// required files are filled in with (mostly blank) dummy data.
func BuildIndex(
	t testing.TB,
	files map[string][]string,
) *schedule.Index {

	if files["agency.txt"] == nil {
		files["agency.txt"] = []string{"agency_timezone,agency_name,agency_url", "UTC,FooAgency,http://example.com"}
	}
	if files["routes.txt"] == nil {
		files["routes.txt"] = []string{"route_id"}
	}
	if files["trips.txt"] == nil {
		files["trips.txt"] = []string{"trip_id"}
	}
	if files["stops.txt"] == nil {
		files["stops.txt"] = []string{"stop_id"}
	}
	if files["stop_times.txt"] == nil {
		files["stop_times.txt"] = []string{"stop_id"}
	}

	index := schedule.NewIndex()
	_, err := parse.ParseStatic(index, BuildZip(t, files))
	require.NoError(t, err)

	return index
}

func BuildZip(
	t testing.TB,
	files map[string][]string,
) []byte {

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// LineFixture is a schedule with a single line "7" running daily
// through 2025 from 06:00 to 21:50, every 10 minutes, in direction 0
// over stops s1 -> s2 -> s3 -> s4 (2, 2 and 3 minutes apart). The
// agency is in UTC.
func LineFixture() map[string][]string {
	trips := []string{"trip_id,route_id,service_id,direction_id"}
	stopTimes := []string{"trip_id,stop_id,stop_sequence,arrival_time,departure_time"}

	offsets := map[string]int{"s1": 0, "s2": 120, "s3": 240, "s4": 420}
	for start := 6 * 3600; start < 22*3600; start += 600 {
		tripID := fmt.Sprintf("t%s", strings.ReplaceAll(model.FormatServiceTime(start), ":", ""))
		trips = append(trips, fmt.Sprintf("%s,r7,daily,0", tripID))
		for seq, stopID := range []string{"s1", "s2", "s3", "s4"} {
			at := model.FormatServiceTime(start + offsets[stopID])
			stopTimes = append(stopTimes, fmt.Sprintf("%s,%s,%d,%s,%s", tripID, stopID, seq+1, at, at))
		}
	}

	return map[string][]string{
		"agency.txt": {
			"agency_timezone,agency_name,agency_url",
			"UTC,GSP,http://example.com",
		},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"daily,20250101,20251231,1,1,1,1,1,1,1",
		},
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"r7,7,0",
		},
		"stops.txt": {
			"stop_id,stop_code,stop_name,stop_lat,stop_lon",
			"s1,1001,Zeleni venac,44.8130,20.4580",
			"s2,1002,Brankov most,44.8160,20.4500",
			"s3,1003,Sava Centar,44.8080,20.4300",
			"s4,1004,Blok 45,44.8000,20.4000",
		},
		"trips.txt":      trips,
		"stop_times.txt": stopTimes,
	}
}

// Prediction builds a valid observation: vehicle on line, in
// direction "0", due at stop in secondsLeft seconds as of at. An
// empty vehicleID leaves the vehicle anonymous.
func Prediction(cycleID string, at time.Time, vehicleID, line, stopID string, secondsLeft int) model.Observation {
	o := model.Observation{
		ObservedAt:         at,
		CycleID:            cycleID,
		StopID:             stopID,
		StopCode:           strings.TrimPrefix(stopID, "s"),
		LineNumber:         line,
		LineName:           "Line " + line,
		Direction:          Ptr("0"),
		SecondsLeft:        Ptr(secondsLeft),
		PredictedArrivalAt: Ptr(at.Add(time.Duration(secondsLeft) * time.Second)),
	}
	if vehicleID != "" {
		o.VehicleID = Ptr(vehicleID)
	}
	return o
}

// Batch groups observations into a cycle without a summary.
func Batch(cycleID string, observations ...model.Observation) *model.CycleBatch {
	return &model.CycleBatch{
		CycleID:      cycleID,
		Observations: observations,
	}
}
