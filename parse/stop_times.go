package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/schedule"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
}

// Parses HH:MM:SS into seconds since service start. Hours may exceed
// 23 for trips running past midnight.
func ParseServiceTime(s string) (int, error) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return 0, fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return 0, fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return 0, fmt.Errorf("invalid hour in '%s'", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return 0, fmt.Errorf("invalid minute in '%s'", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return 0, fmt.Errorf("invalid second in '%s'", s)
	}

	return hms[0]*3600 + hms[1]*60 + hms[2], nil
}

// Returns the latest arrival offset seen, in seconds.
func ParseStopTimes(
	writer schedule.FeedWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (int, error) {
	seqSeen := map[string]map[uint32]bool{}
	maxArrival := 0

	row := 0
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		row++
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, row)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", row)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, row)
		}

		if seqSeen[st.TripID] == nil {
			seqSeen[st.TripID] = map[uint32]bool{}
		}
		if seqSeen[st.TripID][st.StopSequence] {
			return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s'", st.StopSequence, st.TripID)
		}
		seqSeen[st.TripID][st.StopSequence] = true

		arrival, err := ParseServiceTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", row)
		}
		departure, err := ParseServiceTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", row)
		}
		if departure < arrival {
			return fmt.Errorf("departure_time before arrival_time (row %d)", row)
		}

		if arrival > maxArrival {
			maxArrival = arrival
		}

		err = writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			StopSequence: st.StopSequence,
			Arrival:      arrival,
			Departure:    departure,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", row)
		}

		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return maxArrival, nil
}
