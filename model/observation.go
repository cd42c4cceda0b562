package model

import (
	"errors"
	"time"
)

var ErrMalformedObservation = errors.New("malformed observation")

// MalformedError names the required field an Observation was missing.
type MalformedError struct {
	Field string
}

func (e *MalformedError) Error() string {
	return "malformed observation: missing " + e.Field
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedObservation
}

// One row per (cycle, stop, vehicle-as-seen). Nil pointers are absent
// values.
type Observation struct {
	ObservedAt         time.Time  `json:"observed_at"`
	CycleID            string     `json:"cycle_id"`
	StopID             string     `json:"stop_id"`
	StopCode           string     `json:"stop_code"`
	APIStopUID         *string    `json:"api_stop_uid,omitempty"`
	LineNumber         string     `json:"line_number"`
	LineName           string     `json:"line_name"`
	Direction          *string    `json:"direction,omitempty"`
	SecondsLeft        *int       `json:"seconds_left,omitempty"`
	PredictedArrivalAt *time.Time `json:"predicted_arrival_at,omitempty"`
	StationsBetween    *int       `json:"stations_between,omitempty"`
	VehicleID          *string    `json:"vehicle_id,omitempty"`
	VehicleKey         string     `json:"vehicle_key"`
	VehicleLat         *float64   `json:"vehicle_lat,omitempty"`
	VehicleLon         *float64   `json:"vehicle_lon,omitempty"`
}

func (o *Observation) Validate() error {
	switch {
	case o.ObservedAt.IsZero():
		return &MalformedError{Field: "observed_at"}
	case o.CycleID == "":
		return &MalformedError{Field: "cycle_id"}
	case o.StopID == "":
		return &MalformedError{Field: "stop_id"}
	case o.LineNumber == "":
		return &MalformedError{Field: "line_number"}
	}
	return nil
}

// Returns the vehicle position if both coordinates are present.
func (o *Observation) Position() (float64, float64, bool) {
	if o.VehicleLat == nil || o.VehicleLon == nil {
		return 0, 0, false
	}
	return *o.VehicleLat, *o.VehicleLon, true
}

// Direction as a plain string, empty when absent.
func (o *Observation) DirectionString() string {
	if o.Direction == nil {
		return ""
	}
	return *o.Direction
}

func (o *Observation) RawVehicleID() string {
	if o.VehicleID == nil {
		return ""
	}
	return *o.VehicleID
}

type CycleSummary struct {
	CycleID        string    `json:"cycle_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	StopsTotal     int       `json:"stops_total"`
	Responses      int       `json:"responses"`
	Errors         int       `json:"errors"`
	Predictions    int       `json:"predictions"`
	UniqueVehicles int       `json:"unique_vehicles"`
}

// A cycle's worth of input, processed by the engine as a unit.
type CycleBatch struct {
	CycleID      string
	Summary      *CycleSummary
	Observations []Observation

	// Stops the collaborator failed to poll this cycle. Vehicles
	// missing from these stops are not treated as having
	// disappeared.
	FailedStops []string
}

// The deduplicated per-cycle view of one vehicle key.
type VehicleSnapshot struct {
	ObservedAt      time.Time `json:"observed_at"`
	CycleID         string    `json:"cycle_id"`
	VehicleKey      string    `json:"vehicle_key"`
	VehicleID       *string   `json:"vehicle_id,omitempty"`
	LineNumber      string    `json:"line_number"`
	LineName        string    `json:"line_name"`
	Direction       *string   `json:"direction,omitempty"`
	Lat             *float64  `json:"lat,omitempty"`
	Lon             *float64  `json:"lon,omitempty"`
	SourceStopID    string    `json:"source_stop_id"`
	SourceStopCode  string    `json:"source_stop_code"`
	SecondsLeft     *int      `json:"seconds_left,omitempty"`
	StationsBetween *int      `json:"stations_between,omitempty"`
}

func (v *VehicleSnapshot) ID() string {
	return RecordID("vehicle", v.VehicleKey, v.CycleID)
}
