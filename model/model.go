package model

import (
	"fmt"
	"time"
)

// Static schedule types. Loaded once by parse.ParseStatic and never
// mutated afterwards.

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type ExceptionType int8

const (
	ExceptionTypeAdded   ExceptionType = 1
	ExceptionTypeRemoved ExceptionType = 2
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Weekday   int8
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  LocationType
	ParentStation string
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
}

// Line is what riders (and the prediction feed) call a route.
func (r *Route) Line() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	return r.ID
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	DirectionID int8
	ShapeID     string
}

// StopTime offsets are seconds since the start of the service day
// and may exceed 24h for trips running past midnight.
type StopTime struct {
	TripID       string
	StopID       string
	StopSequence uint32
	Arrival      int
	Departure    int
}

func (st *StopTime) ArrivalTime() time.Duration {
	return time.Duration(st.Arrival) * time.Second
}

func (st *StopTime) DepartureTime() time.Duration {
	return time.Duration(st.Departure) * time.Second
}

type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence uint32
}

// Formats seconds since service start as GTFS style HH:MM:SS.
func FormatServiceTime(secs int) string {
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
