package storage

import (
	"context"
	"sort"
	"sync"

	"roundabout.dev/analytics/model"
)

// MemorySink keeps derived records in memory, deduplicated by ID in
// the order they were first written.
type MemorySink struct {
	mu sync.Mutex

	cycles        map[string]model.CycleOutput
	cycleOrder    []string
	seen          map[string]bool
	vehicles      []model.VehicleSnapshot
	movements     []model.VehicleMovement
	arrivals      []model.Arrival
	etaErrors     []model.ETAError
	headways      []model.Headway
	segmentDelays []model.SegmentDelay
	rollups       map[string]model.HourlyRollup
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		cycles:  map[string]model.CycleOutput{},
		seen:    map[string]bool{},
		rollups: map[string]model.HourlyRollup{},
	}
}

func (m *MemorySink) WriteCycle(ctx context.Context, out *model.CycleOutput) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.cycles[out.CycleID]; !found {
		m.cycles[out.CycleID] = model.CycleOutput{
			CycleID:    out.CycleID,
			Summary:    out.Summary,
			Malformed:  out.Malformed,
			OutOfOrder: out.OutOfOrder,
			Abandoned:  out.Abandoned,
			Evicted:    out.Evicted,
		}
		m.cycleOrder = append(m.cycleOrder, out.CycleID)
	}

	for _, v := range out.Vehicles {
		if m.first(v.ID()) {
			m.vehicles = append(m.vehicles, v)
		}
	}
	for _, mv := range out.Movements {
		if m.first(mv.ID()) {
			m.movements = append(m.movements, mv)
		}
	}
	for _, a := range out.Arrivals {
		if m.first(a.ID()) {
			m.arrivals = append(m.arrivals, a)
		}
	}
	for _, e := range out.ETAErrors {
		if m.first(e.ID()) {
			m.etaErrors = append(m.etaErrors, e)
		}
	}
	for _, h := range out.Headways {
		if m.first(h.ID()) {
			m.headways = append(m.headways, h)
		}
	}
	for _, d := range out.SegmentDelays {
		if m.first(d.ID()) {
			m.segmentDelays = append(m.segmentDelays, d)
		}
	}
	for _, r := range out.Rollups {
		m.rollups[r.ID()] = r
	}

	return nil
}

func (m *MemorySink) first(id string) bool {
	if m.seen[id] {
		return false
	}
	m.seen[id] = true
	return true
}

// Cycles returns the committed cycles without their records, in
// commit order.
func (m *MemorySink) Cycles() []model.CycleOutput {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycles := make([]model.CycleOutput, 0, len(m.cycleOrder))
	for _, id := range m.cycleOrder {
		cycles = append(cycles, m.cycles[id])
	}
	return cycles
}

func (m *MemorySink) Vehicles() []model.VehicleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.VehicleSnapshot{}, m.vehicles...)
}

func (m *MemorySink) Movements() []model.VehicleMovement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.VehicleMovement{}, m.movements...)
}

func (m *MemorySink) Arrivals() []model.Arrival {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Arrival{}, m.arrivals...)
}

func (m *MemorySink) ETAErrors() []model.ETAError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ETAError{}, m.etaErrors...)
}

func (m *MemorySink) Headways() []model.Headway {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Headway{}, m.headways...)
}

func (m *MemorySink) SegmentDelays() []model.SegmentDelay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SegmentDelay{}, m.segmentDelays...)
}

// Rollups returns the latest snapshot of every bucket, sorted by
// metric, line, day and hour.
func (m *MemorySink) Rollups() []model.HourlyRollup {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollups := make([]model.HourlyRollup, 0, len(m.rollups))
	for _, r := range m.rollups {
		rollups = append(rollups, r)
	}
	sort.Slice(rollups, func(i, j int) bool {
		a, b := rollups[i], rollups[j]
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		if a.LineNumber != b.LineNumber {
			return a.LineNumber < b.LineNumber
		}
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.Hour < b.Hour
	})
	return rollups
}

func (m *MemorySink) Close() error {
	return nil
}
