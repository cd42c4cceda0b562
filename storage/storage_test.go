package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/storage"
)

// Tests of the sink implementations. The in-memory and sqlite sinks
// are always run, while postgres requires ROUNDABOUT_TEST_POSTGRES to
// hold a connection string.

type counter func(table string) int

type sinkBuilder func(t *testing.T) (storage.Sink, counter)

func memoryBuilder(t *testing.T) (storage.Sink, counter) {
	s := storage.NewMemorySink()
	return s, func(table string) int {
		switch table {
		case "cycle":
			return len(s.Cycles())
		case "vehicle_snapshot":
			return len(s.Vehicles())
		case "vehicle_movement":
			return len(s.Movements())
		case "arrival":
			return len(s.Arrivals())
		case "eta_error":
			return len(s.ETAErrors())
		case "headway":
			return len(s.Headways())
		case "segment_delay":
			return len(s.SegmentDelays())
		case "hourly_rollup":
			return len(s.Rollups())
		}
		t.Fatalf("unknown table %s", table)
		return 0
	}
}

func sqliteBuilder(t *testing.T) (storage.Sink, counter) {
	s, err := storage.NewSQLiteSink()
	require.NoError(t, err)
	return s, func(table string) int {
		n, err := s.Count(context.Background(), table)
		require.NoError(t, err)
		return n
	}
}

func postgresBuilder(t *testing.T) (storage.Sink, counter) {
	s, err := storage.NewPSQLSink(os.Getenv("ROUNDABOUT_TEST_POSTGRES"), true)
	require.NoError(t, err)
	return s, func(table string) int {
		n, err := s.Count(context.Background(), table)
		require.NoError(t, err)
		return n
	}
}

func builders() map[string]sinkBuilder {
	b := map[string]sinkBuilder{
		"memory": memoryBuilder,
		"sqlite": sqliteBuilder,
	}
	if os.Getenv("ROUNDABOUT_TEST_POSTGRES") != "" {
		b["postgres"] = postgresBuilder
	}
	return b
}

func ptr[T any](v T) *T {
	return &v
}

func cycleOutput(cycleID string, at time.Time) *model.CycleOutput {
	return &model.CycleOutput{
		CycleID: cycleID,
		Summary: model.CycleSummary{
			CycleID:        cycleID,
			StartedAt:      at,
			FinishedAt:     at.Add(20 * time.Second),
			StopsTotal:     2,
			Responses:      2,
			Predictions:    3,
			UniqueVehicles: 2,
		},
		Vehicles: []model.VehicleSnapshot{
			{
				ObservedAt:      at,
				CycleID:         cycleID,
				VehicleKey:      "garage:P80276",
				VehicleID:       ptr("P80276"),
				LineNumber:      "7",
				LineName:        "Novi Beograd - Zeleznicka",
				Direction:       ptr("0"),
				Lat:             ptr(44.81),
				Lon:             ptr(20.46),
				SourceStopID:    "s1",
				SourceStopCode:  "20001",
				SecondsLeft:     ptr(25),
				StationsBetween: ptr(0),
			},
			{
				ObservedAt:     at,
				CycleID:        cycleID,
				VehicleKey:     "hash:0123456789abcdef",
				LineNumber:     "7",
				SourceStopID:   "s2",
				SourceStopCode: "20002",
			},
		},
		Movements: []model.VehicleMovement{
			{
				ObservedAt:          at,
				CycleID:             cycleID,
				VehicleKey:          "garage:P80276",
				CurrentStopID:       "s1",
				PreviousCycleID:     "c0",
				PreviousStopID:      ptr("s0"),
				DistanceKm:          ptr(0.4),
				StopChanged:         true,
				CyclesSinceLastSeen: 1,
			},
		},
		Arrivals: []model.Arrival{
			{
				VehicleKey:       "garage:P80276",
				VehicleID:        ptr("P80276"),
				LineNumber:       "7",
				Direction:        "0",
				StopID:           "s0",
				StopCode:         "20000",
				ArrivalAt:        at.Add(-15 * time.Second),
				SourceCycleID:    cycleID,
				SourceObservedAt: at,
			},
		},
		ETAErrors: []model.ETAError{
			{
				ObservedAt:         at.Add(-time.Minute),
				PredictedArrivalAt: at.Add(-45 * time.Second),
				ActualArrivalAt:    at.Add(-15 * time.Second),
				StopID:             "s0",
				StopCode:           "20000",
				LineNumber:         "7",
				Direction:          "0",
				VehicleKey:         "garage:P80276",
				ErrorSeconds:       -30,
			},
		},
		Headways: []model.Headway{
			{
				LineNumber:     "7",
				Direction:      "0",
				StopID:         "s0",
				StopCode:       "20000",
				ObservedAt:     at.Add(-15 * time.Second),
				HeadwaySeconds: 300,
				VehicleKey:     "garage:P80276",
				PrevVehicleKey: "garage:P80111",
				Bunched:        true,
			},
		},
		SegmentDelays: []model.SegmentDelay{
			{
				LineNumber:             "7",
				Direction:              "0",
				FromStopID:             "s9",
				ToStopID:               "s0",
				ObservedAt:             at.Add(-15 * time.Second),
				ActualTravelSeconds:    150,
				ScheduledTravelSeconds: ptr(120),
				DelaySeconds:           ptr(30),
				VehicleKey:             "garage:P80276",
			},
		},
		Rollups: []model.HourlyRollup{
			{
				Metric:     model.RollupETAError,
				LineNumber: "7",
				Day:        "2025-07-01",
				Hour:       8,
				Count:      1,
				Mean:       -30,
				P50:        -30,
				P95:        -30,
				Min:        -30,
				Max:        -30,
			},
		},
	}
}

func TestSinkWriteCycle(t *testing.T) {
	for name, builder := range builders() {
		t.Run(name, func(t *testing.T) {
			sink, count := builder(t)
			defer sink.Close()

			at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
			out := cycleOutput("c1", at)

			require.NoError(t, sink.WriteCycle(context.Background(), out))

			expected := map[string]int{
				"cycle":            1,
				"vehicle_snapshot": 2,
				"vehicle_movement": 1,
				"arrival":          1,
				"eta_error":        1,
				"headway":          1,
				"segment_delay":    1,
				"hourly_rollup":    1,
			}
			for table, n := range expected {
				assert.Equal(t, n, count(table), table)
			}

			// Replaying the same cycle writes nothing new.
			require.NoError(t, sink.WriteCycle(context.Background(), out))
			for table, n := range expected {
				assert.Equal(t, n, count(table), table)
			}

			// A later cycle supersedes the rollup bucket but
			// adds its own records.
			next := cycleOutput("c2", at.Add(30*time.Second))
			next.Rollups[0].Count = 2
			next.Rollups[0].Mean = -15
			require.NoError(t, sink.WriteCycle(context.Background(), next))

			assert.Equal(t, 2, count("cycle"))
			assert.Equal(t, 4, count("vehicle_snapshot"))
			assert.Equal(t, 2, count("arrival"))
			assert.Equal(t, 1, count("hourly_rollup"))
		})
	}
}

func TestMemorySinkRollupUpsert(t *testing.T) {
	sink := storage.NewMemorySink()
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, sink.WriteCycle(context.Background(), cycleOutput("c1", at)))

	next := cycleOutput("c2", at.Add(30*time.Second))
	next.Rollups[0].Count = 2
	next.Rollups[0].Mean = -15
	require.NoError(t, sink.WriteCycle(context.Background(), next))

	rollups := sink.Rollups()
	require.Equal(t, 1, len(rollups))
	assert.Equal(t, 2, rollups[0].Count)
	assert.Equal(t, -15.0, rollups[0].Mean)

	cycles := sink.Cycles()
	require.Equal(t, 2, len(cycles))
	assert.Equal(t, "c1", cycles[0].CycleID)
	assert.Equal(t, "c2", cycles[1].CycleID)
	assert.Nil(t, cycles[0].Arrivals)
}

func TestMemorySinkCanceled(t *testing.T) {
	sink := storage.NewMemorySink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.WriteCycle(ctx, cycleOutput("c1", time.Now()))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, len(sink.Cycles()))
}

type failingSink struct {
	err    error
	writes int
}

func (f *failingSink) WriteCycle(ctx context.Context, out *model.CycleOutput) error {
	f.writes++
	return f.err
}

func (f *failingSink) Close() error {
	return nil
}

func TestMultiSink(t *testing.T) {
	mem := storage.NewMemorySink()
	broken := &failingSink{err: errors.New("boom")}
	multi := storage.MultiSink{broken, mem}

	err := multi.WriteCycle(context.Background(), cycleOutput("c1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The healthy sink was still written.
	assert.Equal(t, 1, broken.writes)
	assert.Equal(t, 1, len(mem.Cycles()))

	broken.err = nil
	require.NoError(t, multi.WriteCycle(context.Background(), cycleOutput("c1", time.Now())))
	assert.Equal(t, 1, len(mem.Cycles()))
	assert.NoError(t, multi.Close())
}

func TestSQLiteOnDisk(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

	s, err := storage.NewSQLiteSink(storage.SQLiteConfig{OnDisk: true, Directory: dir})
	require.NoError(t, err)
	require.NoError(t, s.WriteCycle(context.Background(), cycleOutput("c1", at)))
	require.NoError(t, s.Close())

	// Reopening keeps the data and tolerates the existing schema.
	s, err = storage.NewSQLiteSink(storage.SQLiteConfig{OnDisk: true, Directory: dir})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(context.Background(), "arrival")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Count(context.Background(), "arrival; DROP TABLE arrival")
	assert.Error(t, err)
}
