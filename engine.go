package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"roundabout.dev/analytics/accuracy"
	"roundabout.dev/analytics/arrival"
	"roundabout.dev/analytics/headway"
	"roundabout.dev/analytics/identity"
	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/rollup"
	"roundabout.dev/analytics/schedule"
	"roundabout.dev/analytics/segment"
	"roundabout.dev/analytics/storage"
)

const (
	DefaultShards          = 8
	DefaultRollupRetention = 48 * time.Hour
	DefaultCommittedCycles = 4096
	DefaultClockCycles     = 1024
)

var (
	ErrNoSchedule   = errors.New("schedule index missing or not closed")
	ErrNoCycleID    = errors.New("cycle has no id")
	ErrEmptyCycle   = errors.New("cycle has neither observations nor a summary")
	ErrEngineClosed = errors.New("engine is closed")
)

type Config struct {
	Identity identity.Config
	Arrival  arrival.Config
	Accuracy accuracy.Config
	Headway  headway.Config
	Segment  segment.Config

	// Rollup day and hour are local to this IANA zone. Defaults to
	// the schedule's agency timezone.
	Timezone string

	// Number of partitions per-vehicle state is split into. Each
	// partition is processed by its own goroutine.
	Shards int

	// Rollup buckets older than this, relative to the latest
	// cycle, are dropped and accept no late values.
	RollupRetention time.Duration

	// Number of committed cycle IDs remembered for replay
	// detection.
	CommittedCycles int

	// Receives every committed cycle. Optional.
	Sink storage.Sink

	// Optional.
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.Identity.CoordinateDecimals <= 0 {
		c.Identity.CoordinateDecimals = identity.DefaultCoordinateDecimals
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.RollupRetention <= 0 {
		c.RollupRetention = DefaultRollupRetention
	}
	if c.CommittedCycles <= 0 {
		c.CommittedCycles = DefaultCommittedCycles
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Per-vehicle state of one partition of the key space.
type shard struct {
	tracker  *identity.Tracker
	detector *arrival.Detector
	segments *segment.Estimator
}

type shardResult struct {
	vehicles      []model.VehicleSnapshot
	movements     []model.VehicleMovement
	events        []*arrival.Event
	etaErrors     []model.ETAError
	segmentDelays []model.SegmentDelay
	outOfOrder    int
	abandoned     int
	evicted       int
}

// Engine turns cycles of stop predictions into derived transit
// records. Cycles are processed one at a time.
type Engine struct {
	cfg      Config
	index    *schedule.Index
	location *time.Location

	mu        sync.Mutex
	closed    bool
	clock     *identity.CycleClock
	shards    []*shard
	accuracy  *accuracy.Tracker
	headways  *headway.Detector
	rollups   *rollup.Aggregator
	committed map[string]bool
	order     []string // ring of committed IDs, oldest at next
	next      int
	pending   map[string]*model.CycleOutput
}

func NewEngine(index *schedule.Index, cfg Config) (*Engine, error) {
	if index == nil || !index.Closed() {
		return nil, ErrNoSchedule
	}

	cfg = cfg.withDefaults()

	location := index.Location()
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone '%s': %w", cfg.Timezone, err)
		}
		location = loc
	}

	e := &Engine{
		cfg:       cfg,
		index:     index,
		location:  location,
		clock:     identity.NewCycleClock(DefaultClockCycles),
		accuracy:  accuracy.NewTracker(cfg.Accuracy),
		headways:  headway.NewDetector(cfg.Headway, index),
		rollups:   rollup.NewAggregator(location),
		committed: map[string]bool{},
		pending:   map[string]*model.CycleOutput{},
	}

	for i := 0; i < cfg.Shards; i++ {
		e.shards = append(e.shards, &shard{
			tracker:  identity.NewTracker(cfg.Identity, e.clock),
			detector: arrival.NewDetector(cfg.Arrival),
			segments: segment.NewEstimator(cfg.Segment, index),
		})
	}

	return e, nil
}

func (e *Engine) Location() *time.Location {
	return e.location
}

// ProcessCycle folds one cycle into the engine's state and commits
// the derived records to the sink.
//
// A cycle that was already committed is not folded again; its output
// is returned with Replayed set. If the commit fails the output is
// kept, and processing the same cycle again retries the commit
// without folding it twice.
func (e *Engine) ProcessCycle(ctx context.Context, batch *model.CycleBatch) (*model.CycleOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if batch.CycleID == "" {
		return nil, ErrNoCycleID
	}

	if e.committed[batch.CycleID] {
		out := &model.CycleOutput{CycleID: batch.CycleID, Replayed: true}
		if batch.Summary != nil {
			out.Summary = *batch.Summary
		}
		return out, nil
	}

	if out, found := e.pending[batch.CycleID]; found {
		if err := e.commit(ctx, out); err != nil {
			return out, err
		}
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	out, err := e.fold(batch)
	if err != nil {
		return nil, err
	}

	e.cfg.Metrics.ObserveCycle(out, time.Since(start))
	e.cfg.Metrics.SetState(e.tracks(), e.approaches(), e.rollups.Len())

	if err := e.commit(ctx, out); err != nil {
		return out, err
	}

	return out, nil
}

func (e *Engine) commit(ctx context.Context, out *model.CycleOutput) error {
	if e.cfg.Sink != nil {
		start := time.Now()
		err := e.cfg.Sink.WriteCycle(ctx, out)
		e.cfg.Metrics.ObserveCommit(err, time.Since(start))
		if err != nil {
			e.pending[out.CycleID] = out
			log.Printf("Engine: commit of cycle %s failed: %v", out.CycleID, err)
			return fmt.Errorf("committing cycle %s: %w", out.CycleID, err)
		}
	}

	delete(e.pending, out.CycleID)
	e.committed[out.CycleID] = true
	if len(e.order) < e.cfg.CommittedCycles {
		e.order = append(e.order, out.CycleID)
	} else {
		delete(e.committed, e.order[e.next])
		e.order[e.next] = out.CycleID
		e.next = (e.next + 1) % len(e.order)
	}

	return nil
}

// Pending returns the IDs of folded cycles whose commit failed.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Folds a cycle into state and derives its output. Nothing is
// written anywhere.
func (e *Engine) fold(batch *model.CycleBatch) (*model.CycleOutput, error) {
	out := &model.CycleOutput{CycleID: batch.CycleID}

	observations := make([]*model.Observation, 0, len(batch.Observations))
	for i := range batch.Observations {
		o := batch.Observations[i]
		if err := o.Validate(); err != nil {
			out.Malformed++
			continue
		}
		if o.CycleID != batch.CycleID {
			out.Malformed++
			continue
		}
		observations = append(observations, &o)
	}
	if out.Malformed > 0 {
		log.Printf("Engine: dropped %d malformed observations in cycle %s", out.Malformed, batch.CycleID)
	}

	cycleAt, ok := cycleStart(batch.Summary, observations)
	if !ok {
		return nil, ErrEmptyCycle
	}
	e.clock.Register(batch.CycleID, cycleAt)

	// Group observations by key, and keys by shard.
	groups := map[string][]*model.Observation{}
	keys := map[string]identity.Key{}
	stopObservedAt := map[string]time.Time{}
	for _, o := range observations {
		key := identity.KeyFor(o, e.cfg.Identity.CoordinateDecimals)
		o.VehicleKey = key.Value
		keys[key.Value] = key
		groups[key.Value] = append(groups[key.Value], o)

		if t, found := stopObservedAt[o.StopID]; !found || o.ObservedAt.Before(t) {
			stopObservedAt[o.StopID] = o.ObservedAt
		}
	}

	byShard := make([][]identity.Key, len(e.shards))
	for value, key := range keys {
		i := e.shardFor(value)
		byShard[i] = append(byShard[i], key)
	}

	failed := map[string]bool{}
	for _, stopID := range batch.FailedStops {
		failed[stopID] = true
	}

	cycle := &arrival.Cycle{
		ID:             batch.CycleID,
		StartedAt:      cycleAt,
		FailedStops:    failed,
		StopObservedAt: stopObservedAt,
	}

	// Once started, a cycle is folded completely; cancellation is
	// only honored before this point.
	results := make([]*shardResult, len(e.shards))
	var g errgroup.Group
	for i := range e.shards {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("shard %d panicked: %v", i, r)
				}
			}()
			results[i] = processShard(e.shards[i], e.accuracy, byShard[i], groups, cycle)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Engine: folding cycle %s failed: %v", batch.CycleID, err)
		return nil, fmt.Errorf("folding cycle %s: %w", batch.CycleID, err)
	}

	// Cross-key stage: headways and rollups are shared between
	// shards.
	events := []*arrival.Event{}
	for _, r := range results {
		out.Vehicles = append(out.Vehicles, r.vehicles...)
		out.Movements = append(out.Movements, r.movements...)
		out.ETAErrors = append(out.ETAErrors, r.etaErrors...)
		out.SegmentDelays = append(out.SegmentDelays, r.segmentDelays...)
		out.OutOfOrder += r.outOfOrder
		out.Abandoned += r.abandoned
		out.Evicted += r.evicted
		events = append(events, r.events...)
	}

	sort.Slice(events, func(i, j int) bool {
		return arrivalLess(events[i].Arrival, events[j].Arrival)
	})
	for _, ev := range events {
		out.Arrivals = append(out.Arrivals, *ev.Arrival)
		if h := e.headways.Observe(ev.Arrival); h != nil {
			out.Headways = append(out.Headways, *h)
		}
	}

	sortOutput(out)

	// Values are folded in output order so rollups don't depend on
	// sharding.
	local := rollup.NewAggregator(e.location)
	for i := range out.ETAErrors {
		rec := &out.ETAErrors[i]
		if e.accuracy.Admissible(rec) {
			local.Add(model.RollupETAError, rec.LineNumber, rec.ActualArrivalAt, float64(rec.ErrorSeconds), false)
		}
	}
	for i := range out.Headways {
		h := &out.Headways[i]
		local.Add(model.RollupHeadway, h.LineNumber, h.ObservedAt, float64(h.HeadwaySeconds), h.Bunched)
	}
	for i := range out.SegmentDelays {
		d := &out.SegmentDelays[i]
		if e.cfg.Segment.Admissible(d) {
			local.Add(model.RollupSegmentDelay, d.LineNumber, d.ObservedAt, float64(*d.DelaySeconds), false)
		}
	}

	touched := e.rollups.Merge(local)
	out.Rollups = e.rollups.Snapshot(touched)
	e.rollups.Prune(e.clock.Latest().Add(-e.cfg.RollupRetention))

	out.Summary = summarize(batch, cycleAt, observations, len(keys))

	return out, nil
}

// Replaced in tests.
var processShard = (*shard).process

func (e *Engine) shardFor(keyValue string) int {
	return int(xxhash.Sum64String(keyValue) % uint64(len(e.shards)))
}

func (s *shard) process(
	acc *accuracy.Tracker,
	keys []identity.Key,
	groups map[string][]*model.Observation,
	cycle *arrival.Cycle,
) *shardResult {
	r := &shardResult{}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Value < keys[j].Value
	})

	for _, key := range keys {
		observations := groups[key.Value]
		sort.SliceStable(observations, func(i, j int) bool {
			if !observations[i].ObservedAt.Equal(observations[j].ObservedAt) {
				return observations[i].ObservedAt.Before(observations[j].ObservedAt)
			}
			return observations[i].StopID < observations[j].StopID
		})

		snap := identity.Snapshot(key, observations)
		c := s.tracker.Observe(key, &snap, cycle.StartedAt)
		if c.OutOfOrder {
			r.outOfOrder++
		}
		if c.Status == identity.StatusReappeared {
			s.detector.Reset(key)
			s.segments.Forget(key.Value)
		}
		if c.Movement != nil {
			r.movements = append(r.movements, *c.Movement)
		}
		r.vehicles = append(r.vehicles, snap)

		for _, o := range observations {
			if ev := s.detector.Observe(key, o); ev != nil {
				r.events = append(r.events, ev)
			}
		}
	}

	closed, abandoned := s.detector.EndCycle(cycle)
	r.events = append(r.events, closed...)
	r.abandoned = abandoned

	for _, key := range s.tracker.Evict(cycle.StartedAt) {
		s.detector.Forget(key)
		s.segments.Forget(key.Value)
		r.evicted++
	}

	// Segments need each vehicle's arrivals in time order.
	sort.Slice(r.events, func(i, j int) bool {
		return arrivalLess(r.events[i].Arrival, r.events[j].Arrival)
	})

	for _, ev := range r.events {
		r.etaErrors = append(r.etaErrors, acc.Errors(ev)...)
		if d := s.segments.Observe(ev.Arrival); d != nil {
			r.segmentDelays = append(r.segmentDelays, *d)
		}
	}

	return r
}

// Start of a cycle: the collaborator's reported start, else the
// earliest observation.
func cycleStart(summary *model.CycleSummary, observations []*model.Observation) (time.Time, bool) {
	if summary != nil && !summary.StartedAt.IsZero() {
		return summary.StartedAt, true
	}
	var start time.Time
	for _, o := range observations {
		if start.IsZero() || o.ObservedAt.Before(start) {
			start = o.ObservedAt
		}
	}
	return start, !start.IsZero()
}

func summarize(batch *model.CycleBatch, cycleAt time.Time, observations []*model.Observation, vehicles int) model.CycleSummary {
	if batch.Summary != nil {
		summary := *batch.Summary
		summary.CycleID = batch.CycleID
		return summary
	}

	summary := model.CycleSummary{
		CycleID:        batch.CycleID,
		StartedAt:      cycleAt,
		FinishedAt:     cycleAt,
		Errors:         len(batch.FailedStops),
		Predictions:    len(observations),
		UniqueVehicles: vehicles,
	}

	stops := map[string]bool{}
	for _, o := range observations {
		stops[o.StopID] = true
		if o.ObservedAt.After(summary.FinishedAt) {
			summary.FinishedAt = o.ObservedAt
		}
	}
	summary.Responses = len(stops)
	summary.StopsTotal = len(stops) + len(batch.FailedStops)

	return summary
}

func arrivalLess(a, b *model.Arrival) bool {
	if !a.ArrivalAt.Equal(b.ArrivalAt) {
		return a.ArrivalAt.Before(b.ArrivalAt)
	}
	if a.VehicleKey != b.VehicleKey {
		return a.VehicleKey < b.VehicleKey
	}
	return a.StopID < b.StopID
}

// Output order depends only on the records, never on sharding or map
// iteration.
func sortOutput(out *model.CycleOutput) {
	sort.Slice(out.Vehicles, func(i, j int) bool {
		return out.Vehicles[i].VehicleKey < out.Vehicles[j].VehicleKey
	})
	sort.Slice(out.Movements, func(i, j int) bool {
		return out.Movements[i].VehicleKey < out.Movements[j].VehicleKey
	})
	sort.SliceStable(out.ETAErrors, func(i, j int) bool {
		a, b := out.ETAErrors[i], out.ETAErrors[j]
		if !a.ActualArrivalAt.Equal(b.ActualArrivalAt) {
			return a.ActualArrivalAt.Before(b.ActualArrivalAt)
		}
		if a.VehicleKey != b.VehicleKey {
			return a.VehicleKey < b.VehicleKey
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		return a.ObservedAt.Before(b.ObservedAt)
	})
	sort.SliceStable(out.SegmentDelays, func(i, j int) bool {
		a, b := out.SegmentDelays[i], out.SegmentDelays[j]
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.Before(b.ObservedAt)
		}
		return a.VehicleKey < b.VehicleKey
	})
}

func (e *Engine) tracks() int {
	n := 0
	for _, s := range e.shards {
		n += s.tracker.Len()
	}
	return n
}

func (e *Engine) approaches() int {
	n := 0
	for _, s := range e.shards {
		n += s.detector.Len()
	}
	return n
}

// Stats reports the size of the engine's state.
type Stats struct {
	Tracks     int
	Approaches int
	Buckets    int
	Pending    int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Tracks:     e.tracks(),
		Approaches: e.approaches(),
		Buckets:    e.rollups.Len(),
		Pending:    len(e.pending),
	}
}

// Close closes the sink. Pending commits are lost.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if len(e.pending) > 0 {
		log.Printf("Engine: closing with %d uncommitted cycles", len(e.pending))
	}
	if e.cfg.Sink != nil {
		return e.cfg.Sink.Close()
	}
	return nil
}
