package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"roundabout.dev/analytics/schedule"
)

// Key facts about a parsed static feed.
type FeedMetadata struct {
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string
	MaxArrival        int
	NumTrips          int
	NumShapes         int
}

func init() {
	// LazyCSVReader survives sloppy use of quotes. The BOM reader
	// strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

// ParseStatic parses a GTFS zip into writer and closes it.
func ParseStatic(writer schedule.FeedWriter, buf []byte) (*FeedMetadata, error) {
	file := map[string]io.ReadCloser{
		"agency.txt":         nil,
		"routes.txt":         nil,
		"stops.txt":          nil,
		"trips.txt":          nil,
		"stop_times.txt":     nil,
		"calendar.txt":       nil,
		"calendar_dates.txt": nil,
		"shapes.txt":         nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Some agencies nest the tables in a directory.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		file[fName] = rc
	}

	for _, required := range []string{"agency.txt", "routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	metadata := &FeedMetadata{}

	agencies, timezone, err := ParseAgency(writer, file["agency.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing agency.txt: %w", err)
	}
	metadata.Timezone = timezone

	routes, err := ParseRoutes(writer, file["routes.txt"], agencies)
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	// Without calendar files every service_id is accepted and
	// considered active every day.
	var services map[string]bool
	if file["calendar.txt"] != nil {
		services, metadata.CalendarStartDate, metadata.CalendarEndDate, err = ParseCalendar(writer, file["calendar.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar.txt: %w", err)
		}
	}
	if file["calendar_dates.txt"] != nil {
		cdServices, minDate, maxDate, err := ParseCalendarDates(writer, file["calendar_dates.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar_dates.txt: %w", err)
		}
		if services == nil {
			services = map[string]bool{}
		}
		for serviceID := range cdServices {
			services[serviceID] = true
		}
		if metadata.CalendarStartDate == "" || (minDate != "" && minDate < metadata.CalendarStartDate) {
			metadata.CalendarStartDate = minDate
		}
		if maxDate > metadata.CalendarEndDate {
			metadata.CalendarEndDate = maxDate
		}
	}

	trips, shapeRefs, err := ParseTrips(writer, file["trips.txt"], routes, services)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}
	metadata.NumTrips = len(trips)

	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	metadata.MaxArrival, err = ParseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	if file["shapes.txt"] != nil {
		shapes, err := ParseShapes(writer, file["shapes.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing shapes.txt: %w", err)
		}
		for shapeID := range shapeRefs {
			if !shapes[shapeID] {
				return nil, fmt.Errorf("trips reference unknown shape_id '%s'", shapeID)
			}
		}
		metadata.NumShapes = len(shapes)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	return metadata, nil
}
