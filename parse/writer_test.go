package parse

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/model"
)

// Records everything written to it.
type recordingWriter struct {
	agencies      []*model.Agency
	stops         []*model.Stop
	routes        []*model.Route
	trips         []*model.Trip
	stopTimes     []*model.StopTime
	shapePoints   []*model.ShapePoint
	calendars     []*model.Calendar
	calendarDates []*model.CalendarDate
	closed        bool
}

func (w *recordingWriter) WriteAgency(agency *model.Agency) error {
	w.agencies = append(w.agencies, agency)
	return nil
}

func (w *recordingWriter) WriteStop(stop *model.Stop) error {
	w.stops = append(w.stops, stop)
	return nil
}

func (w *recordingWriter) WriteRoute(route *model.Route) error {
	w.routes = append(w.routes, route)
	return nil
}

func (w *recordingWriter) WriteTrip(trip *model.Trip) error {
	w.trips = append(w.trips, trip)
	return nil
}

func (w *recordingWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimes = append(w.stopTimes, stopTime)
	return nil
}

func (w *recordingWriter) WriteShapePoint(point *model.ShapePoint) error {
	w.shapePoints = append(w.shapePoints, point)
	return nil
}

func (w *recordingWriter) WriteCalendar(calendar *model.Calendar) error {
	w.calendars = append(w.calendars, calendar)
	return nil
}

func (w *recordingWriter) WriteCalendarDate(calendarDate *model.CalendarDate) error {
	w.calendarDates = append(w.calendarDates, calendarDate)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}
