package analytics

import (
	"time"

	"roundabout.dev/analytics/model"
)

// Metrics receives engine instrumentation.
type Metrics interface {
	// Called once per folded cycle.
	ObserveCycle(out *model.CycleOutput, elapsed time.Duration)

	// Called for every commit attempt. err is nil on success.
	ObserveCommit(err error, elapsed time.Duration)

	// Size of the engine's state after a cycle.
	SetState(tracks, approaches, buckets int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCycle(*model.CycleOutput, time.Duration) {}
func (nopMetrics) ObserveCommit(error, time.Duration)              {}
func (nopMetrics) SetState(int, int, int)                          {}
