package accuracy

import (
	"math"
	"time"

	"roundabout.dev/analytics/arrival"
	"roundabout.dev/analytics/model"
)

const DefaultMaxErrorSeconds = 3600

type Config struct {
	// Errors larger than this in magnitude are emitted but kept
	// out of rollups.
	MaxErrorSeconds int
}

func (c Config) withDefaults() Config {
	if c.MaxErrorSeconds <= 0 {
		c.MaxErrorSeconds = DefaultMaxErrorSeconds
	}
	return c
}

type Tracker struct {
	cfg Config
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

// Errors scores every prediction made for an approach before the
// vehicle arrived. error_seconds is predicted minus actual: negative
// means the vehicle arrived later than predicted.
func (t *Tracker) Errors(event *arrival.Event) []model.ETAError {
	actual := event.Arrival.ArrivalAt
	records := []model.ETAError{}

	for _, s := range event.Approach.Samples {
		if !s.ObservedAt.Before(actual) || s.PredictedArrivalAt == nil {
			continue
		}
		records = append(records, model.ETAError{
			ObservedAt:         s.ObservedAt,
			PredictedArrivalAt: *s.PredictedArrivalAt,
			ActualArrivalAt:    actual,
			StopID:             event.Arrival.StopID,
			StopCode:           event.Arrival.StopCode,
			LineNumber:         event.Arrival.LineNumber,
			Direction:          event.Arrival.Direction,
			VehicleKey:         event.Arrival.VehicleKey,
			ErrorSeconds:       ErrorSeconds(*s.PredictedArrivalAt, actual),
		})
	}

	return records
}

// Admissible reports whether an error is plausible enough to be
// aggregated.
func (t *Tracker) Admissible(record *model.ETAError) bool {
	return abs(record.ErrorSeconds) <= t.cfg.MaxErrorSeconds
}

func ErrorSeconds(predicted, actual time.Time) int {
	return int(math.Round(predicted.Sub(actual).Seconds()))
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
