package identity

import (
	"time"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/schedule"
)

const (
	DefaultCoordinateDecimals = 5
	DefaultTTLCycles          = 5
	DefaultReappearGapCycles  = 2
)

type Config struct {
	// Decimal places vehicle coordinates are rounded to before
	// hashing a fuzzy key.
	CoordinateDecimals int

	// Tracks not seen for more than this many cycles are evicted.
	TTLCycles int

	// A key missing for at least this many consecutive cycles
	// starts a fresh approach when it reappears.
	ReappearGapCycles int
}

func (c Config) withDefaults() Config {
	if c.CoordinateDecimals <= 0 {
		c.CoordinateDecimals = DefaultCoordinateDecimals
	}
	if c.TTLCycles <= 0 {
		c.TTLCycles = DefaultTTLCycles
	}
	if c.ReappearGapCycles <= 0 {
		c.ReappearGapCycles = DefaultReappearGapCycles
	}
	return c
}

type Status int

const (
	StatusNew Status = iota
	StatusContinued
	StatusReappeared
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusContinued:
		return "continued"
	case StatusReappeared:
		return "reappeared"
	}
	return "unknown"
}

// Track is what the engine remembers about a vehicle key between
// cycles.
type Track struct {
	Key            Key
	LastStopID     string
	LastLat        *float64
	LastLon        *float64
	LastCycleID    string
	LastCycleAt    time.Time
	LastObservedAt time.Time
	FirstSeenAt    time.Time
}

// Continuity is the judgment made when a key is seen in a cycle.
type Continuity struct {
	Key                 Key
	Status              Status
	StopChanged         bool
	CyclesSinceLastSeen int

	// The snapshot is older than the key's watermark. It is not
	// used for continuity and produces no movement.
	OutOfOrder bool

	// Nil for new keys and out of order snapshots.
	Movement *model.VehicleMovement
}

// Tracker is the arena of per-key tracks for one shard. Not safe for
// concurrent use; the engine gives each shard its own Tracker.
type Tracker struct {
	cfg    Config
	clock  *CycleClock
	tracks map[string]*Track
}

func NewTracker(cfg Config, clock *CycleClock) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		tracks: map[string]*Track{},
	}
}

// Observe folds a key's snapshot for the cycle starting at cycleAt.
func (t *Tracker) Observe(key Key, snap *model.VehicleSnapshot, cycleAt time.Time) Continuity {
	tr, found := t.tracks[key.Value]
	if !found {
		t.tracks[key.Value] = &Track{
			Key:            key,
			LastStopID:     snap.SourceStopID,
			LastLat:        snap.Lat,
			LastLon:        snap.Lon,
			LastCycleID:    snap.CycleID,
			LastCycleAt:    cycleAt,
			LastObservedAt: snap.ObservedAt,
			FirstSeenAt:    snap.ObservedAt,
		}
		return Continuity{Key: key, Status: StatusNew}
	}

	if snap.ObservedAt.Before(tr.LastObservedAt) || snap.CycleID == tr.LastCycleID {
		return Continuity{Key: key, Status: StatusContinued, OutOfOrder: true}
	}

	since := t.clock.Since(tr.LastCycleAt, cycleAt)
	if since < 1 {
		since = 1
	}

	status := StatusContinued
	if since-1 >= t.cfg.ReappearGapCycles {
		status = StatusReappeared
	}

	movement := &model.VehicleMovement{
		ObservedAt:          snap.ObservedAt,
		CycleID:             snap.CycleID,
		VehicleKey:          key.Value,
		CurrentStopID:       snap.SourceStopID,
		PreviousCycleID:     tr.LastCycleID,
		StopChanged:         tr.LastStopID != snap.SourceStopID,
		CyclesSinceLastSeen: since,
	}
	if tr.LastStopID != "" {
		prev := tr.LastStopID
		movement.PreviousStopID = &prev
	}
	if tr.LastLat != nil && tr.LastLon != nil && snap.Lat != nil && snap.Lon != nil {
		d := schedule.HaversineDistance(*tr.LastLat, *tr.LastLon, *snap.Lat, *snap.Lon)
		movement.DistanceKm = &d
	}

	tr.LastStopID = snap.SourceStopID
	tr.LastCycleID = snap.CycleID
	tr.LastCycleAt = cycleAt
	tr.LastObservedAt = snap.ObservedAt
	if snap.Lat != nil && snap.Lon != nil {
		tr.LastLat, tr.LastLon = snap.Lat, snap.Lon
	}

	return Continuity{
		Key:                 key,
		Status:              status,
		StopChanged:         movement.StopChanged,
		CyclesSinceLastSeen: since,
		Movement:            movement,
	}
}

// Evict drops tracks not seen for more than TTLCycles cycles as of
// the cycle starting at now, and returns their keys.
func (t *Tracker) Evict(now time.Time) []Key {
	evicted := []Key{}
	for value, tr := range t.tracks {
		if t.clock.Since(tr.LastCycleAt, now) > t.cfg.TTLCycles {
			evicted = append(evicted, tr.Key)
			delete(t.tracks, value)
		}
	}
	return evicted
}

func (t *Tracker) Get(key Key) (*Track, bool) {
	tr, found := t.tracks[key.Value]
	return tr, found
}

func (t *Tracker) Len() int {
	return len(t.tracks)
}
