package segment

import (
	"math"
	"sort"
	"time"

	"roundabout.dev/analytics/model"
)

const (
	DefaultMaxGap          = 30 * time.Minute
	DefaultMaxDelaySeconds = 3600
	DefaultWindow          = 8
)

type Config struct {
	// Consecutive arrivals further apart than this are not
	// treated as one ride.
	MaxGap time.Duration

	// Delays larger than this in magnitude are emitted but kept
	// out of rollups.
	MaxDelaySeconds int

	// Recent arrivals remembered per vehicle, so a late arrival
	// can still be paired with the stop served before it.
	Window int
}

func (c Config) withDefaults() Config {
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.MaxDelaySeconds <= 0 {
		c.MaxDelaySeconds = DefaultMaxDelaySeconds
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type Schedule interface {
	Adjacent(line, direction, fromStopID, toStopID string) bool
	ScheduledTravel(line, direction, fromStopID, toStopID string, t time.Time) (int, bool)
}

// Estimator pairs consecutive arrivals of the same vehicle. Not safe
// for concurrent use; the engine keeps one per shard.
type Estimator struct {
	cfg      Config
	schedule Schedule
	recent   map[string][]*model.Arrival
}

func NewEstimator(cfg Config, schedule Schedule) *Estimator {
	return &Estimator{
		cfg:      cfg.withDefaults(),
		schedule: schedule,
		recent:   map[string][]*model.Arrival{},
	}
}

// Observe records an arrival and returns the segment travelled from
// the vehicle's preceding arrival, if the two stops are adjacent in
// the schedule. Arrivals are ordered by their own timestamps, so one
// delivered late is paired with the arrival that really preceded it.
func (e *Estimator) Observe(a *model.Arrival) *model.SegmentDelay {
	seq := e.recent[a.VehicleKey]

	i := sort.Search(len(seq), func(j int) bool { return seq[j].ArrivalAt.After(a.ArrivalAt) })
	for j := i - 1; j >= 0 && seq[j].ArrivalAt.Equal(a.ArrivalAt); j-- {
		if seq[j].StopID == a.StopID {
			return nil
		}
	}
	if len(seq) > 0 && seq[len(seq)-1].ArrivalAt.Sub(a.ArrivalAt) > e.cfg.MaxGap {
		return nil
	}
	if i == 0 && len(seq) >= e.cfg.Window {
		return nil
	}

	var prev *model.Arrival
	if i > 0 {
		prev = seq[i-1]
	}

	seq = append(seq, nil)
	copy(seq[i+1:], seq[i:])
	seq[i] = a
	e.recent[a.VehicleKey] = e.prune(seq)

	if prev == nil || prev.StopID == a.StopID {
		return nil
	}
	if prev.LineNumber != a.LineNumber || prev.Direction != a.Direction {
		return nil
	}

	gap := a.ArrivalAt.Sub(prev.ArrivalAt)
	if gap <= 0 || gap > e.cfg.MaxGap {
		return nil
	}

	// Only schedule-adjacent pairs: a skipped stop means a missed
	// arrival, and interpolating across it would be a guess.
	if e.schedule == nil || !e.schedule.Adjacent(a.LineNumber, a.Direction, prev.StopID, a.StopID) {
		return nil
	}

	record := &model.SegmentDelay{
		LineNumber:          a.LineNumber,
		Direction:           a.Direction,
		FromStopID:          prev.StopID,
		ToStopID:            a.StopID,
		ObservedAt:          a.ArrivalAt,
		ActualTravelSeconds: int(math.Round(gap.Seconds())),
		VehicleKey:          a.VehicleKey,
	}

	if scheduled, ok := e.schedule.ScheduledTravel(a.LineNumber, a.Direction, prev.StopID, a.StopID, prev.ArrivalAt); ok {
		delay := record.ActualTravelSeconds - scheduled
		record.ScheduledTravelSeconds = &scheduled
		record.DelaySeconds = &delay
	}

	return record
}

// Drops arrivals beyond the window or more than MaxGap before the
// newest one.
func (e *Estimator) prune(seq []*model.Arrival) []*model.Arrival {
	newest := seq[len(seq)-1].ArrivalAt
	drop := 0
	for drop < len(seq)-1 && (len(seq)-drop > e.cfg.Window || newest.Sub(seq[drop].ArrivalAt) > e.cfg.MaxGap) {
		drop++
	}
	if drop == 0 {
		return seq
	}
	return append([]*model.Arrival(nil), seq[drop:]...)
}

// Admissible reports whether a delay is known and plausible enough
// to be aggregated.
func (c Config) Admissible(record *model.SegmentDelay) bool {
	if record.DelaySeconds == nil {
		return false
	}
	c = c.withDefaults()
	d := *record.DelaySeconds
	return d <= c.MaxDelaySeconds && d >= -c.MaxDelaySeconds
}

func (e *Estimator) Admissible(record *model.SegmentDelay) bool {
	return e.cfg.Admissible(record)
}

// Forget drops a vehicle's recent arrivals, e.g. when its track is
// evicted or it reappears after a gap.
func (e *Estimator) Forget(vehicleKey string) {
	delete(e.recent, vehicleKey)
}

func (e *Estimator) Len() int {
	return len(e.recent)
}
