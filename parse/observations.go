package parse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"roundabout.dev/analytics/model"
)

// Identifiers arrive as JSON strings or numbers depending on the
// producer.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

func (f *flexString) ptr() *string {
	if f == nil {
		return nil
	}
	s := strings.TrimSpace(string(*f))
	if s == "" {
		return nil
	}
	return &s
}

type observationJSON struct {
	ObservedAt         time.Time   `json:"observed_at"`
	CycleID            string      `json:"cycle_id"`
	StopID             flexString  `json:"stop_id"`
	StopCode           flexString  `json:"stop_code"`
	APIStopUID         *flexString `json:"api_stop_uid"`
	LineNumber         flexString  `json:"line_number"`
	LineName           string      `json:"line_name"`
	Direction          *flexString `json:"direction"`
	SecondsLeft        *int        `json:"seconds_left"`
	PredictedArrivalAt *time.Time  `json:"predicted_arrival_at"`
	StationsBetween    *int        `json:"stations_between"`
	VehicleID          *flexString `json:"vehicle_id"`
	VehicleKey         string      `json:"vehicle_key"`
	VehicleLat         *float64    `json:"vehicle_lat"`
	VehicleLon         *float64    `json:"vehicle_lon"`
}

func (o *observationJSON) observation() model.Observation {
	return model.Observation{
		ObservedAt:         o.ObservedAt,
		CycleID:            o.CycleID,
		StopID:             string(o.StopID),
		StopCode:           string(o.StopCode),
		APIStopUID:         o.APIStopUID.ptr(),
		LineNumber:         string(o.LineNumber),
		LineName:           o.LineName,
		Direction:          o.Direction.ptr(),
		SecondsLeft:        o.SecondsLeft,
		PredictedArrivalAt: o.PredictedArrivalAt,
		StationsBetween:    o.StationsBetween,
		VehicleID:          o.VehicleID.ptr(),
		VehicleKey:         o.VehicleKey,
		VehicleLat:         o.VehicleLat,
		VehicleLon:         o.VehicleLon,
	}
}

func scanLines(data io.Reader, fn func(line []byte, row int) error) error {
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	row := 0
	for scanner.Scan() {
		row++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseObservations reads newline delimited JSON observations. Lines
// that don't decode are skipped and counted; semantic validation is
// left to the engine.
func ParseObservations(data io.Reader) ([]model.Observation, int, error) {
	observations := []model.Observation{}
	skipped := 0

	err := scanLines(data, func(line []byte, row int) error {
		var o observationJSON
		if err := json.Unmarshal(line, &o); err != nil {
			skipped++
			return nil
		}
		observations = append(observations, o.observation())
		return nil
	})
	if err != nil {
		return nil, skipped, errors.Wrap(err, "reading observations")
	}

	return observations, skipped, nil
}

// ParseCycleSummaries reads newline delimited JSON cycle summaries,
// keyed by cycle ID.
func ParseCycleSummaries(data io.Reader) (map[string]*model.CycleSummary, error) {
	summaries := map[string]*model.CycleSummary{}

	err := scanLines(data, func(line []byte, row int) error {
		s := &model.CycleSummary{}
		if err := json.Unmarshal(line, s); err != nil {
			return errors.Wrapf(err, "decoding cycle summary (row %d)", row)
		}
		if s.CycleID == "" {
			return fmt.Errorf("missing cycle_id (row %d)", row)
		}
		summaries[s.CycleID] = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

// BatchCycles groups observations by cycle ID, ordered by the
// earliest observation in each cycle. Observations without a cycle
// ID are kept in their own batch so the engine can count them as
// malformed.
func BatchCycles(observations []model.Observation, summaries map[string]*model.CycleSummary) []model.CycleBatch {
	byCycle := map[string]*model.CycleBatch{}
	first := map[string]time.Time{}

	for _, o := range observations {
		batch, found := byCycle[o.CycleID]
		if !found {
			batch = &model.CycleBatch{CycleID: o.CycleID, Summary: summaries[o.CycleID]}
			byCycle[o.CycleID] = batch
		}
		batch.Observations = append(batch.Observations, o)

		if t, found := first[o.CycleID]; !found || t.IsZero() || (!o.ObservedAt.IsZero() && o.ObservedAt.Before(t)) {
			first[o.CycleID] = o.ObservedAt
		}
	}

	// Cycles that produced a summary but no observations still
	// advance the engine's cycle clock.
	for cycleID, summary := range summaries {
		if _, found := byCycle[cycleID]; found {
			continue
		}
		byCycle[cycleID] = &model.CycleBatch{CycleID: cycleID, Summary: summary}
		first[cycleID] = summary.StartedAt
	}

	batches := make([]model.CycleBatch, 0, len(byCycle))
	for _, batch := range byCycle {
		batches = append(batches, *batch)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		ti, tj := first[batches[i].CycleID], first[batches[j].CycleID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return batches[i].CycleID < batches[j].CycleID
	})

	return batches
}
