package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/schedule"
)

type TripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	DirectionID int8   `csv:"direction_id"`
	ShapeID     string `csv:"shape_id"`
}

// Returns the set of trip IDs and the set of shape IDs referenced.
// A nil services set skips service_id validation (feeds without
// calendar files).
func ParseTrips(
	writer schedule.FeedWriter,
	data io.Reader,
	routes map[string]bool,
	services map[string]bool,
) (map[string]bool, map[string]bool, error) {
	rows := []*TripCSV{}
	if err := gocsv.Unmarshal(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}

	trips := map[string]bool{}
	shapes := map[string]bool{}
	for _, t := range rows {
		if t.ID == "" {
			return nil, nil, fmt.Errorf("empty trip_id")
		}
		if trips[t.ID] {
			return nil, nil, fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		trips[t.ID] = true

		if !routes[t.RouteID] {
			return nil, nil, fmt.Errorf("unknown route_id '%s' for trip '%s'", t.RouteID, t.ID)
		}
		if services != nil && !services[t.ServiceID] {
			return nil, nil, fmt.Errorf("unknown service_id '%s' for trip '%s'", t.ServiceID, t.ID)
		}
		if t.DirectionID != 0 && t.DirectionID != 1 {
			return nil, nil, fmt.Errorf("invalid direction_id '%d' for trip '%s'", t.DirectionID, t.ID)
		}
		if t.ShapeID != "" {
			shapes[t.ShapeID] = true
		}

		err := writer.WriteTrip(&model.Trip{
			ID:          t.ID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			DirectionID: t.DirectionID,
			ShapeID:     t.ShapeID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("writing trip: %w", err)
		}
	}

	return trips, shapes, nil
}
