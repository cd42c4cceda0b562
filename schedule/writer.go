package schedule

import "roundabout.dev/analytics/model"

// Receives static schedule records as they are parsed. Close is
// called once all tables have been written.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	WriteStopTime(stopTime *model.StopTime) error
	WriteShapePoint(point *model.ShapePoint) error
	WriteCalendar(calendar *model.Calendar) error
	WriteCalendarDate(calendarDate *model.CalendarDate) error
	Close() error
}
