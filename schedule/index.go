package schedule

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"roundabout.dev/analytics/model"
)

var ErrIndexClosed = errors.New("schedule index is closed")

type stopKey struct {
	Line        string
	DirectionID int8
	StopID      string
}

type segmentKey struct {
	Line        string
	DirectionID int8
	FromStopID  string
	ToStopID    string
}

// A scheduled call at a stop.
type visit struct {
	Arrival   int
	ServiceID string
	TripID    string
}

// A scheduled ride between two consecutive stops of one trip.
type hop struct {
	FromArrival int
	ToArrival   int
	ServiceID   string
	TripID      string
}

// Index is the in-memory schedule. It is filled through the FeedWriter
// methods, frozen by Close, and read concurrently afterwards.
type Index struct {
	Timezone string
	location *time.Location

	agencies      map[string]*model.Agency
	stops         map[string]*model.Stop
	routes        map[string]*model.Route
	trips         map[string]*model.Trip
	stopTimes     map[string][]*model.StopTime
	shapes        map[string]Shape
	calendars     map[string]*model.Calendar
	calendarDates map[string][]*model.CalendarDate

	visits  map[stopKey][]visit
	hops    map[segmentKey][]hop
	ordered map[string][]string
	closed  bool

	mu     sync.Mutex
	active map[string]map[string]bool
}

func NewIndex() *Index {
	return &Index{
		location:      time.UTC,
		agencies:      map[string]*model.Agency{},
		stops:         map[string]*model.Stop{},
		routes:        map[string]*model.Route{},
		trips:         map[string]*model.Trip{},
		stopTimes:     map[string][]*model.StopTime{},
		shapes:        map[string]Shape{},
		calendars:     map[string]*model.Calendar{},
		calendarDates: map[string][]*model.CalendarDate{},
		visits:        map[stopKey][]visit{},
		hops:          map[segmentKey][]hop{},
		ordered:       map[string][]string{},
		active:        map[string]map[string]bool{},
	}
}

func (i *Index) WriteAgency(agency *model.Agency) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.agencies[agency.ID] = agency
	if i.Timezone == "" {
		i.Timezone = agency.Timezone
	}
	return nil
}

func (i *Index) WriteStop(stop *model.Stop) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.stops[stop.ID] = stop
	return nil
}

func (i *Index) WriteRoute(route *model.Route) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.routes[route.ID] = route
	return nil
}

func (i *Index) WriteTrip(trip *model.Trip) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.trips[trip.ID] = trip
	return nil
}

func (i *Index) WriteStopTime(stopTime *model.StopTime) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.stopTimes[stopTime.TripID] = append(i.stopTimes[stopTime.TripID], stopTime)
	return nil
}

func (i *Index) WriteShapePoint(point *model.ShapePoint) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.shapes[point.ShapeID] = append(i.shapes[point.ShapeID], *point)
	return nil
}

func (i *Index) WriteCalendar(calendar *model.Calendar) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.calendars[calendar.ServiceID] = calendar
	return nil
}

func (i *Index) WriteCalendarDate(calendarDate *model.CalendarDate) error {
	if i.closed {
		return ErrIndexClosed
	}
	i.calendarDates[calendarDate.Date] = append(i.calendarDates[calendarDate.Date], calendarDate)
	return nil
}

// Close freezes the index and builds the per-stop and per-segment
// lookup tables.
func (i *Index) Close() error {
	if i.closed {
		return nil
	}

	if i.Timezone != "" {
		loc, err := time.LoadLocation(i.Timezone)
		if err != nil {
			return fmt.Errorf("loading timezone '%s': %w", i.Timezone, err)
		}
		i.location = loc
	}

	for tripID, stopTimes := range i.stopTimes {
		trip, found := i.trips[tripID]
		if !found {
			return fmt.Errorf("stop_times reference unknown trip '%s'", tripID)
		}
		route, found := i.routes[trip.RouteID]
		if !found {
			return fmt.Errorf("trip '%s' references unknown route '%s'", tripID, trip.RouteID)
		}
		line := route.Line()

		sort.SliceStable(stopTimes, func(a, b int) bool {
			return stopTimes[a].StopSequence < stopTimes[b].StopSequence
		})

		ordered := make([]string, 0, len(stopTimes))
		for j, st := range stopTimes {
			ordered = append(ordered, st.StopID)

			key := stopKey{line, trip.DirectionID, st.StopID}
			i.visits[key] = append(i.visits[key], visit{
				Arrival:   st.Arrival,
				ServiceID: trip.ServiceID,
				TripID:    tripID,
			})

			if j == 0 {
				continue
			}
			prev := stopTimes[j-1]
			seg := segmentKey{line, trip.DirectionID, prev.StopID, st.StopID}
			i.hops[seg] = append(i.hops[seg], hop{
				FromArrival: prev.Arrival,
				ToArrival:   st.Arrival,
				ServiceID:   trip.ServiceID,
				TripID:      tripID,
			})
		}
		i.ordered[tripID] = ordered
	}

	for _, visits := range i.visits {
		sort.Slice(visits, func(a, b int) bool {
			if visits[a].Arrival != visits[b].Arrival {
				return visits[a].Arrival < visits[b].Arrival
			}
			return visits[a].TripID < visits[b].TripID
		})
	}
	for _, hops := range i.hops {
		sort.Slice(hops, func(a, b int) bool {
			if hops[a].FromArrival != hops[b].FromArrival {
				return hops[a].FromArrival < hops[b].FromArrival
			}
			return hops[a].TripID < hops[b].TripID
		})
	}
	for _, shape := range i.shapes {
		sort.Slice(shape, func(a, b int) bool {
			return shape[a].Sequence < shape[b].Sequence
		})
	}

	i.closed = true
	return nil
}

func (i *Index) Location() *time.Location {
	return i.location
}

func (i *Index) Stop(stopID string) (*model.Stop, bool) {
	stop, found := i.stops[stopID]
	return stop, found
}

func (i *Index) Route(routeID string) (*model.Route, bool) {
	route, found := i.routes[routeID]
	return route, found
}

func (i *Index) Trip(tripID string) (*model.Trip, bool) {
	trip, found := i.trips[tripID]
	return trip, found
}

// Returns the line (route short name) a route is known by, falling
// back to the route ID.
func (i *Index) LineForRoute(routeID string) string {
	if route, found := i.routes[routeID]; found {
		return route.Line()
	}
	return routeID
}

func (i *Index) NumTrips() int {
	return len(i.trips)
}

func (i *Index) NumStops() int {
	return len(i.stops)
}

// Closed reports whether Close has built the lookup tables.
func (i *Index) Closed() bool {
	return i.closed
}
