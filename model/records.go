package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Derived record streams. Every record has a deterministic ID so that
// sinks can drop duplicates when a cycle is replayed.

var recordNamespace = uuid.MustParse("6f1c1b7e-9a43-4d0e-8a55-1d2b7c4e0a91")

func RecordID(kind string, parts ...string) string {
	return uuid.NewSHA1(recordNamespace, []byte(kind+"\x1f"+strings.Join(parts, "\x1f"))).String()
}

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

type Arrival struct {
	VehicleKey       string    `json:"vehicle_key"`
	VehicleID        *string   `json:"vehicle_id,omitempty"`
	LineNumber       string    `json:"line_number"`
	Direction        string    `json:"direction"`
	StopID           string    `json:"stop_id"`
	StopCode         string    `json:"stop_code"`
	ArrivalAt        time.Time `json:"arrival_at"`
	SourceCycleID    string    `json:"source_cycle_id"`
	SourceObservedAt time.Time `json:"source_observed_at"`
}

func (a *Arrival) ID() string {
	return RecordID("arrival", a.VehicleKey, a.StopID, stamp(a.ArrivalAt))
}

type ETAError struct {
	ObservedAt         time.Time `json:"observed_at"`
	PredictedArrivalAt time.Time `json:"predicted_arrival_at"`
	ActualArrivalAt    time.Time `json:"actual_arrival_at"`
	StopID             string    `json:"stop_id"`
	StopCode           string    `json:"stop_code"`
	LineNumber         string    `json:"line_number"`
	Direction          string    `json:"direction"`
	VehicleKey         string    `json:"vehicle_key"`
	ErrorSeconds       int       `json:"error_seconds"`
}

func (e *ETAError) ID() string {
	return RecordID("eta_error", e.VehicleKey, e.StopID, stamp(e.ObservedAt), stamp(e.ActualArrivalAt))
}

type Headway struct {
	LineNumber              string    `json:"line_number"`
	Direction               string    `json:"direction"`
	StopID                  string    `json:"stop_id"`
	StopCode                string    `json:"stop_code"`
	ObservedAt              time.Time `json:"observed_at"`
	HeadwaySeconds          int       `json:"headway_seconds"`
	ScheduledHeadwaySeconds *int      `json:"scheduled_headway_seconds,omitempty"`
	VehicleKey              string    `json:"vehicle_key"`
	PrevVehicleKey          string    `json:"prev_vehicle_key"`

	// Set when the headway is anomalously short against the
	// schedule, or against the unscheduled floor.
	Bunched bool `json:"bunched"`
}

func (h *Headway) ID() string {
	return RecordID("headway", h.LineNumber, h.Direction, h.StopID, stamp(h.ObservedAt), h.VehicleKey)
}

type SegmentDelay struct {
	LineNumber             string    `json:"line_number"`
	Direction              string    `json:"direction"`
	FromStopID             string    `json:"from_stop_id"`
	ToStopID               string    `json:"to_stop_id"`
	ObservedAt             time.Time `json:"observed_at"`
	ActualTravelSeconds    int       `json:"actual_travel_seconds"`
	ScheduledTravelSeconds *int      `json:"scheduled_travel_seconds,omitempty"`
	DelaySeconds           *int      `json:"delay_seconds,omitempty"`
	VehicleKey             string    `json:"vehicle_key"`
}

func (s *SegmentDelay) ID() string {
	return RecordID("segment_delay", s.VehicleKey, s.FromStopID, s.ToStopID, stamp(s.ObservedAt))
}

type VehicleMovement struct {
	ObservedAt          time.Time `json:"observed_at"`
	CycleID             string    `json:"cycle_id"`
	VehicleKey          string    `json:"vehicle_key"`
	CurrentStopID       string    `json:"current_stop_id"`
	PreviousCycleID     string    `json:"previous_cycle_id"`
	PreviousStopID      *string   `json:"previous_stop_id,omitempty"`
	DistanceKm          *float64  `json:"distance_km,omitempty"`
	StopChanged         bool      `json:"stop_changed"`
	CyclesSinceLastSeen int       `json:"cycles_since_last_seen"`
}

func (m *VehicleMovement) ID() string {
	return RecordID("movement", m.VehicleKey, m.CycleID)
}

type RollupMetric string

const (
	RollupETAError     RollupMetric = "eta_error"
	RollupHeadway      RollupMetric = "headway"
	RollupSegmentDelay RollupMetric = "segment_delay"
)

// Hourly statistics, keyed by (metric, line, day, hour). Sinks upsert
// these; a later snapshot of the same key supersedes earlier ones.
type HourlyRollup struct {
	Metric     RollupMetric `json:"metric"`
	LineNumber string       `json:"line_number"`
	Day        string       `json:"day"`
	Hour       int          `json:"hour"`
	Count      int          `json:"count"`
	Mean       float64      `json:"mean"`
	StdDev     float64      `json:"stddev"`
	P50        float64      `json:"p50"`
	P95        float64      `json:"p95"`
	Min        float64      `json:"min"`
	Max        float64      `json:"max"`
	Flagged    int          `json:"flagged"`
}

func (r *HourlyRollup) ID() string {
	return RecordID("rollup", string(r.Metric), r.LineNumber, r.Day, strconv.Itoa(r.Hour))
}

// Everything derived from one cycle. Committed to sinks as a unit.
type CycleOutput struct {
	CycleID       string            `json:"cycle_id"`
	Summary       CycleSummary      `json:"summary"`
	Vehicles      []VehicleSnapshot `json:"vehicles"`
	Movements     []VehicleMovement `json:"movements"`
	Arrivals      []Arrival         `json:"arrivals"`
	ETAErrors     []ETAError        `json:"eta_errors"`
	Headways      []Headway         `json:"headways"`
	SegmentDelays []SegmentDelay    `json:"segment_delays"`
	Rollups       []HourlyRollup    `json:"rollups"`

	Malformed  int `json:"malformed"`
	OutOfOrder int `json:"out_of_order"`
	Abandoned  int `json:"abandoned"`
	Evicted    int `json:"evicted"`

	// Set when the cycle had already been committed and nothing
	// was folded again.
	Replayed bool `json:"replayed"`
}
