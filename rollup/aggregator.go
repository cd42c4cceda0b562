package rollup

import (
	"sort"
	"time"

	"roundabout.dev/analytics/model"
)

const DayFormat = "2006-01-02"

// Key identifies an hourly bucket. Day and Hour are local to the
// aggregator's location.
type Key struct {
	Metric model.RollupMetric
	Line   string
	Day    string
	Hour   int
}

func (k Key) less(o Key) bool {
	if k.Metric != o.Metric {
		return k.Metric < o.Metric
	}
	if k.Line != o.Line {
		return k.Line < o.Line
	}
	if k.Day != o.Day {
		return k.Day < o.Day
	}
	return k.Hour < o.Hour
}

type bucket struct {
	start time.Time
	stats *Stats
}

// Aggregator maintains hourly Stats per (metric, line). Not safe for
// concurrent use.
type Aggregator struct {
	loc     *time.Location
	buckets map[Key]*bucket

	// Buckets starting before floor have been pruned and accept no
	// more values.
	floor time.Time
}

// NewAggregator returns an aggregator bucketing by wall clock hour in
// loc. A nil loc means UTC.
func NewAggregator(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		loc:     loc,
		buckets: map[Key]*bucket{},
	}
}

func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// KeyAt returns the bucket key for a value observed at t, together
// with the start of that bucket.
func (a *Aggregator) KeyAt(metric model.RollupMetric, line string, t time.Time) (Key, time.Time) {
	local := t.In(a.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, a.loc)
	return Key{
		Metric: metric,
		Line:   line,
		Day:    local.Format(DayFormat),
		Hour:   local.Hour(),
	}, start
}

// Add records a value. Returns false if its bucket has already been
// pruned.
func (a *Aggregator) Add(metric model.RollupMetric, line string, at time.Time, value float64, flagged bool) bool {
	key, start := a.KeyAt(metric, line, at)
	if start.Before(a.floor) {
		return false
	}

	b, found := a.buckets[key]
	if !found {
		b = &bucket{start: start, stats: NewStats()}
		a.buckets[key] = b
	}
	b.stats.Add(value, flagged)
	return true
}

// Merge folds every bucket of other into a and returns the keys that
// changed, sorted. Buckets below a's floor are skipped.
func (a *Aggregator) Merge(other *Aggregator) []Key {
	touched := []Key{}
	for key, ob := range other.buckets {
		if ob.start.Before(a.floor) || ob.stats.Count() == 0 {
			continue
		}
		b, found := a.buckets[key]
		if !found {
			b = &bucket{start: ob.start, stats: NewStats()}
			a.buckets[key] = b
		}
		b.stats.Merge(ob.stats)
		touched = append(touched, key)
	}

	sort.Slice(touched, func(i, j int) bool {
		return touched[i].less(touched[j])
	})
	return touched
}

func (a *Aggregator) Stats(key Key) (*Stats, bool) {
	b, found := a.buckets[key]
	if !found {
		return nil, false
	}
	return b.stats, true
}

// Snapshot renders the given buckets as rollup records. Unknown keys
// are skipped.
func (a *Aggregator) Snapshot(keys []Key) []model.HourlyRollup {
	rollups := []model.HourlyRollup{}
	for _, key := range keys {
		b, found := a.buckets[key]
		if !found {
			continue
		}
		s := b.stats
		rollups = append(rollups, model.HourlyRollup{
			Metric:     key.Metric,
			LineNumber: key.Line,
			Day:        key.Day,
			Hour:       key.Hour,
			Count:      s.Count(),
			Mean:       s.Mean(),
			StdDev:     s.StdDev(),
			P50:        s.Quantile(0.5),
			P95:        s.Quantile(0.95),
			Min:        s.Min(),
			Max:        s.Max(),
			Flagged:    s.Flagged(),
		})
	}
	return rollups
}

// Keys returns all bucket keys, sorted.
func (a *Aggregator) Keys() []Key {
	keys := make([]Key, 0, len(a.buckets))
	for key := range a.buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].less(keys[j])
	})
	return keys
}

// Prune drops buckets that end at or before cutoff and stops
// accepting values for them. Returns the number of buckets dropped.
func (a *Aggregator) Prune(cutoff time.Time) int {
	_, floor := a.KeyAt("", "", cutoff)
	if floor.After(a.floor) {
		a.floor = floor
	}

	n := 0
	for key, b := range a.buckets {
		if b.start.Before(a.floor) {
			delete(a.buckets, key)
			n++
		}
	}
	return n
}

func (a *Aggregator) Len() int {
	return len(a.buckets)
}
