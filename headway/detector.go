package headway

import (
	"math"
	"sort"
	"sync"
	"time"

	"roundabout.dev/analytics/model"
)

const (
	DefaultBunchingFraction = 0.4
	DefaultBunchingFloor    = 60 * time.Second
	DefaultMaxGap           = 3 * time.Hour
	DefaultWindow           = 8
)

type Config struct {
	// Headways below this fraction of the scheduled headway are
	// bunched.
	BunchingFraction float64

	// Headways below this are bunched when there is no schedule.
	BunchingFloor time.Duration

	// Arrivals further apart than this start a new sequence,
	// e.g. after an overnight service break.
	MaxGap time.Duration

	// Recent arrivals remembered per stop, so a late arrival can
	// still be sequenced against its true predecessor.
	Window int
}

func (c Config) withDefaults() Config {
	if c.BunchingFraction <= 0 {
		c.BunchingFraction = DefaultBunchingFraction
	}
	if c.BunchingFloor <= 0 {
		c.BunchingFloor = DefaultBunchingFloor
	}
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type Schedule interface {
	ScheduledHeadway(line, direction, stopID string, t time.Time) (int, bool)
}

type stopKey struct {
	Line      string
	Direction string
	StopID    string
}

type previous struct {
	At         time.Time
	VehicleKey string
}

// Detector sequences arrivals per (line, direction, stop). Safe for
// concurrent use.
type Detector struct {
	cfg      Config
	schedule Schedule

	mu     sync.Mutex
	recent map[stopKey][]previous
}

// schedule may be nil, in which case no headway is scheduled.
func NewDetector(cfg Config, schedule Schedule) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		schedule: schedule,
		recent:   map[stopKey][]previous{},
	}
}

// Observe records an arrival and returns the headway to the arrival
// preceding it at the same stop, if any. Arrivals are ordered by
// their own timestamps: one delivered late is placed among the recent
// arrivals and measured against its true predecessor. Headways
// already emitted for later arrivals are not revised.
func (d *Detector) Observe(a *model.Arrival) *model.Headway {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := stopKey{a.LineNumber, a.Direction, a.StopID}
	seq := d.recent[key]

	i := sort.Search(len(seq), func(j int) bool { return seq[j].At.After(a.ArrivalAt) })
	for j := i - 1; j >= 0 && seq[j].At.Equal(a.ArrivalAt); j-- {
		if seq[j].VehicleKey == a.VehicleKey {
			return nil
		}
	}

	// Too old to place.
	if len(seq) > 0 && seq[len(seq)-1].At.Sub(a.ArrivalAt) > d.cfg.MaxGap {
		return nil
	}
	if i == 0 && len(seq) >= d.cfg.Window {
		return nil
	}

	var prev *previous
	if i > 0 {
		p := seq[i-1]
		prev = &p
	}

	seq = append(seq, previous{})
	copy(seq[i+1:], seq[i:])
	seq[i] = previous{At: a.ArrivalAt, VehicleKey: a.VehicleKey}
	d.recent[key] = d.prune(seq)

	if prev == nil || a.ArrivalAt.Sub(prev.At) > d.cfg.MaxGap {
		return nil
	}

	h := &model.Headway{
		LineNumber:     a.LineNumber,
		Direction:      a.Direction,
		StopID:         a.StopID,
		StopCode:       a.StopCode,
		ObservedAt:     a.ArrivalAt,
		HeadwaySeconds: int(math.Round(a.ArrivalAt.Sub(prev.At).Seconds())),
		VehicleKey:     a.VehicleKey,
		PrevVehicleKey: prev.VehicleKey,
	}

	if d.schedule != nil {
		if scheduled, ok := d.schedule.ScheduledHeadway(a.LineNumber, a.Direction, a.StopID, a.ArrivalAt); ok {
			h.ScheduledHeadwaySeconds = &scheduled
		}
	}
	h.Bunched = d.Bunched(h)

	return h
}

// Drops arrivals beyond the window or more than MaxGap before the
// newest one.
func (d *Detector) prune(seq []previous) []previous {
	newest := seq[len(seq)-1].At
	drop := 0
	for drop < len(seq)-1 && (len(seq)-drop > d.cfg.Window || newest.Sub(seq[drop].At) > d.cfg.MaxGap) {
		drop++
	}
	if drop == 0 {
		return seq
	}
	return append([]previous(nil), seq[drop:]...)
}

// Bunched reports whether a headway is anomalously short.
func (d *Detector) Bunched(h *model.Headway) bool {
	if h.ScheduledHeadwaySeconds != nil && *h.ScheduledHeadwaySeconds > 0 {
		return float64(h.HeadwaySeconds) < d.cfg.BunchingFraction*float64(*h.ScheduledHeadwaySeconds)
	}
	return time.Duration(h.HeadwaySeconds)*time.Second < d.cfg.BunchingFloor
}

// Number of (line, direction, stop) sequences tracked.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recent)
}
