package arrival

import (
	"fmt"
	"sort"
	"time"

	"roundabout.dev/analytics/identity"
	"roundabout.dev/analytics/model"
)

type State int

const (
	StateApproaching State = iota
	StateImminent
	StateArrived
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateApproaching:
		return "APPROACHING"
	case StateImminent:
		return "IMMINENT"
	case StateArrived:
		return "ARRIVED"
	case StateAbandoned:
		return "ABANDONED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultImminentThreshold    = 30 * time.Second
	DefaultMinImminentCycles    = 1
	DefaultMissingCyclesToClose = 1
	DefaultHistoryWindow        = 120
	DefaultReapproachCooldown   = 10 * time.Minute
	DefaultPollInterval         = 30 * time.Second
)

type Config struct {
	// Seconds-left at or below this puts an approach in IMMINENT.
	ImminentThreshold time.Duration

	// Cycles an approach must have spent in IMMINENT for its
	// disappearance to count as an arrival.
	MinImminentCycles int

	// Consecutive cycles a vehicle may be missing from a stop's
	// predictions before the approach is closed.
	MissingCyclesToClose int

	// Samples kept per approach.
	HistoryWindow int

	// After an arrival, samples for the same vehicle and stop are
	// ignored for this long.
	ReapproachCooldown time.Duration

	// Bounds how far a disappearance arrival may be placed after
	// the last sample.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImminentThreshold <= 0 {
		c.ImminentThreshold = DefaultImminentThreshold
	}
	if c.MinImminentCycles <= 0 {
		c.MinImminentCycles = DefaultMinImminentCycles
	}
	if c.MissingCyclesToClose <= 0 {
		c.MissingCyclesToClose = DefaultMissingCyclesToClose
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ReapproachCooldown <= 0 {
		c.ReapproachCooldown = DefaultReapproachCooldown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Sample is one ETA reading of a vehicle against a stop.
type Sample struct {
	ObservedAt         time.Time
	CycleID            string
	SecondsLeft        *int
	PredictedArrivalAt *time.Time
}

// Approach is one attempt by a vehicle to reach a stop.
type Approach struct {
	Key        identity.Key
	VehicleID  *string
	LineNumber string
	Direction  string
	StopID     string
	StopCode   string

	State          State
	Samples        []Sample
	ImminentCycles int

	LastSeenAt       time.Time
	LastSeenCycle    string
	MissingCycles    int
	FirstMissingAt   time.Time
	lastMissingCycle string
}

func (a *Approach) arrival(at time.Time, cycleID string, observedAt time.Time) *model.Arrival {
	return &model.Arrival{
		VehicleKey:       a.Key.Value,
		VehicleID:        a.VehicleID,
		LineNumber:       a.LineNumber,
		Direction:        a.Direction,
		StopID:           a.StopID,
		StopCode:         a.StopCode,
		ArrivalAt:        at,
		SourceCycleID:    cycleID,
		SourceObservedAt: observedAt,
	}
}

// Event is a completed approach that produced an arrival.
type Event struct {
	Arrival  *model.Arrival
	Approach *Approach
}

// Cycle describes the cycle being closed by EndCycle.
type Cycle struct {
	ID        string
	StartedAt time.Time

	// Stops that could not be polled this cycle.
	FailedStops map[string]bool

	// Earliest observation time per stop in this cycle.
	StopObservedAt map[string]time.Time
}

func (c *Cycle) stopTime(stopID string) time.Time {
	if t, found := c.StopObservedAt[stopID]; found {
		return t
	}
	return c.StartedAt
}

// Detector runs the per (vehicle key, stop) state machines of one
// shard. Not safe for concurrent use.
type Detector struct {
	cfg        Config
	approaches map[string]map[string]*Approach
	arrivedAt  map[string]map[string]time.Time
}

func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:        cfg.withDefaults(),
		approaches: map[string]map[string]*Approach{},
		arrivedAt:  map[string]map[string]time.Time{},
	}
}

func (d *Detector) Config() Config {
	return d.cfg
}

// Observe folds one observation into the approach of its vehicle to
// its stop. An event is returned when the sample crosses from
// positive to non-positive seconds left.
func (d *Detector) Observe(key identity.Key, o *model.Observation) *Event {
	if at, found := d.arrivedAt[key.Value][o.StopID]; found {
		if o.ObservedAt.Before(at.Add(d.cfg.ReapproachCooldown)) {
			return nil
		}
		delete(d.arrivedAt[key.Value], o.StopID)
	}

	byStop := d.approaches[key.Value]
	if byStop == nil {
		byStop = map[string]*Approach{}
		d.approaches[key.Value] = byStop
	}

	a, found := byStop[o.StopID]
	if !found {
		a = &Approach{
			Key:        key,
			LineNumber: o.LineNumber,
			Direction:  o.DirectionString(),
			StopID:     o.StopID,
			StopCode:   o.StopCode,
			State:      StateApproaching,
		}
		byStop[o.StopID] = a
	}

	sample := Sample{
		ObservedAt:         o.ObservedAt,
		CycleID:            o.CycleID,
		SecondsLeft:        o.SecondsLeft,
		PredictedArrivalAt: o.PredictedArrivalAt,
	}

	pos, ok := a.insert(sample, d.cfg.HistoryWindow)
	if !ok {
		return nil
	}

	// Late samples extend the history but never drive
	// transitions.
	if sample.ObservedAt.Before(a.LastSeenAt) {
		return nil
	}

	a.LastSeenAt = sample.ObservedAt
	a.LastSeenCycle = sample.CycleID
	a.MissingCycles = 0
	if o.VehicleID != nil {
		a.VehicleID = o.VehicleID
	}

	if sample.SecondsLeft == nil {
		return nil
	}
	left := *sample.SecondsLeft

	if left <= 0 && pos > 0 {
		prev := a.Samples[pos-1]
		if prev.SecondsLeft != nil && *prev.SecondsLeft > 0 {
			// A crossing passes through IMMINENT even when no
			// sample landed inside the threshold.
			a.State = StateImminent
			a.ImminentCycles++
			return d.close(a, a.arrival(sample.ObservedAt, sample.CycleID, sample.ObservedAt))
		}
	}

	if time.Duration(left)*time.Second <= d.cfg.ImminentThreshold {
		a.State = StateImminent
		a.ImminentCycles++
	}

	return nil
}

// Inserts s in time order, returning its position. Samples from a
// cycle already in the history are rejected.
func (a *Approach) insert(s Sample, window int) (int, bool) {
	for _, existing := range a.Samples {
		if existing.CycleID == s.CycleID {
			return 0, false
		}
	}

	pos := sort.Search(len(a.Samples), func(i int) bool {
		return a.Samples[i].ObservedAt.After(s.ObservedAt)
	})
	a.Samples = append(a.Samples, Sample{})
	copy(a.Samples[pos+1:], a.Samples[pos:])
	a.Samples[pos] = s

	if len(a.Samples) > window {
		drop := len(a.Samples) - window
		a.Samples = a.Samples[drop:]
		pos -= drop
		if pos < 0 {
			return 0, false
		}
	}

	return pos, true
}

func (d *Detector) close(a *Approach, arrival *model.Arrival) *Event {
	delete(d.approaches[a.Key.Value], a.StopID)
	if len(d.approaches[a.Key.Value]) == 0 {
		delete(d.approaches, a.Key.Value)
	}

	if arrival == nil {
		a.State = StateAbandoned
		return nil
	}

	a.State = StateArrived
	if d.arrivedAt[a.Key.Value] == nil {
		d.arrivedAt[a.Key.Value] = map[string]time.Time{}
	}
	d.arrivedAt[a.Key.Value][a.StopID] = arrival.ArrivalAt

	return &Event{Arrival: arrival, Approach: a}
}

// EndCycle closes approaches whose vehicle did not report against
// the stop in this cycle. Disappearing after IMMINENT is an arrival;
// disappearing while APPROACHING abandons the approach.
func (d *Detector) EndCycle(cycle *Cycle) ([]*Event, int) {
	events := []*Event{}
	abandoned := 0

	for _, byStop := range d.approaches {
		for _, a := range byStop {
			if a.LastSeenCycle == cycle.ID || a.lastMissingCycle == cycle.ID {
				continue
			}

			// An older cycle delivered late says nothing about
			// newer approaches.
			if !cycle.StartedAt.After(a.LastSeenAt) {
				continue
			}
			if cycle.FailedStops[a.StopID] {
				continue
			}

			a.lastMissingCycle = cycle.ID
			a.MissingCycles++
			if a.MissingCycles == 1 {
				a.FirstMissingAt = cycle.stopTime(a.StopID)
			}
			if a.MissingCycles < d.cfg.MissingCyclesToClose {
				continue
			}

			if a.State == StateImminent && a.ImminentCycles >= d.cfg.MinImminentCycles {
				at := d.disappearedAt(a)
				events = append(events, d.close(a, a.arrival(at, cycle.ID, a.FirstMissingAt)))
			} else {
				d.close(a, nil)
				abandoned++
			}
		}
	}

	for key, byStop := range d.arrivedAt {
		for stopID, at := range byStop {
			if cycle.StartedAt.Sub(at) > d.cfg.ReapproachCooldown {
				delete(byStop, stopID)
			}
		}
		if len(byStop) == 0 {
			delete(d.arrivedAt, key)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return eventLess(events[i], events[j])
	})

	return events, abandoned
}

// Midpoint between the last sample and the first cycle missing it,
// never more than half a polling interval after the last sample.
func (d *Detector) disappearedAt(a *Approach) time.Time {
	half := a.FirstMissingAt.Sub(a.LastSeenAt) / 2
	if half > d.cfg.PollInterval/2 {
		half = d.cfg.PollInterval / 2
	}
	if half < 0 {
		half = 0
	}
	return a.LastSeenAt.Add(half)
}

// Reset discards all open approaches of a key, e.g. when it
// reappears after a gap and its history is stale.
func (d *Detector) Reset(key identity.Key) {
	delete(d.approaches, key.Value)
}

// Forget drops everything known about an evicted key.
func (d *Detector) Forget(key identity.Key) {
	delete(d.approaches, key.Value)
	delete(d.arrivedAt, key.Value)
}

func (d *Detector) Approach(key identity.Key, stopID string) (*Approach, bool) {
	a, found := d.approaches[key.Value][stopID]
	return a, found
}

// Number of open approaches.
func (d *Detector) Len() int {
	n := 0
	for _, byStop := range d.approaches {
		n += len(byStop)
	}
	return n
}

func eventLess(a, b *Event) bool {
	if !a.Arrival.ArrivalAt.Equal(b.Arrival.ArrivalAt) {
		return a.Arrival.ArrivalAt.Before(b.Arrival.ArrivalAt)
	}
	if a.Arrival.VehicleKey != b.Arrival.VehicleKey {
		return a.Arrival.VehicleKey < b.Arrival.VehicleKey
	}
	return a.Arrival.StopID < b.Arrival.StopID
}
