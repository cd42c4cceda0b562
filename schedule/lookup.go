package schedule

import (
	"sort"
	"strings"
	"time"
)

// Maps a feed direction onto GTFS direction_id values. Anything other
// than "0" or "1" matches both directions; stop IDs usually tell the
// directions apart anyway.
func directions(direction string) []int8 {
	switch strings.TrimSpace(direction) {
	case "0":
		return []int8{0}
	case "1":
		return []int8{1}
	}
	return []int8{0, 1}
}

// Scheduled arrivals at a stop on service days around t, sorted and
// deduplicated.
func (i *Index) scheduledArrivals(line, direction, stopID string, t time.Time) []time.Time {
	times := []time.Time{}
	for _, day := range i.serviceDays(t) {
		services := i.ActiveServices(day.Format("20060102"))
		start := i.serviceStart(day)
		for _, dir := range directions(direction) {
			for _, v := range i.visits[stopKey{line, dir, stopID}] {
				if !isActive(services, v.ServiceID) {
					continue
				}
				times = append(times, start.Add(time.Duration(v.Arrival)*time.Second))
			}
		}
	}

	sort.Slice(times, func(a, b int) bool { return times[a].Before(times[b]) })

	deduped := times[:0]
	for j, ts := range times {
		if j > 0 && ts.Equal(deduped[len(deduped)-1]) {
			continue
		}
		deduped = append(deduped, ts)
	}
	return deduped
}

// ScheduledHeadway returns the gap, in seconds, between the scheduled
// arrivals bracketing t at a stop. Instants just outside the day's
// service span use the nearest gap if they are within it. ok is false
// when the schedule can't answer.
func (i *Index) ScheduledHeadway(line, direction, stopID string, t time.Time) (int, bool) {
	times := i.scheduledArrivals(line, direction, stopID, t)
	if len(times) < 2 {
		return 0, false
	}

	j := sort.Search(len(times), func(k int) bool { return !times[k].Before(t) })

	var gap time.Duration
	switch {
	case j == 0:
		gap = times[1].Sub(times[0])
		if times[0].Sub(t) > gap {
			return 0, false
		}
	case j == len(times):
		gap = times[j-1].Sub(times[j-2])
		if t.Sub(times[j-1]) > gap {
			return 0, false
		}
	default:
		gap = times[j].Sub(times[j-1])
	}

	return int(gap / time.Second), true
}

// ScheduledTravel returns the scheduled travel time, in seconds,
// between two consecutive stops. The trip whose scheduled arrival at
// fromStopID is closest to t is used.
func (i *Index) ScheduledTravel(line, direction, fromStopID, toStopID string, t time.Time) (int, bool) {
	travel := -1
	var bestDist time.Duration

	for _, day := range i.serviceDays(t) {
		services := i.ActiveServices(day.Format("20060102"))
		start := i.serviceStart(day)
		for _, dir := range directions(direction) {
			for _, h := range i.hops[segmentKey{line, dir, fromStopID, toStopID}] {
				if !isActive(services, h.ServiceID) {
					continue
				}
				dist := start.Add(time.Duration(h.FromArrival) * time.Second).Sub(t)
				if dist < 0 {
					dist = -dist
				}
				if travel < 0 || dist < bestDist {
					travel = h.ToArrival - h.FromArrival
					bestDist = dist
				}
			}
		}
	}

	if travel < 0 {
		return 0, false
	}
	return travel, true
}

// Adjacent reports whether toStopID directly follows fromStopID on
// some trip of the line.
func (i *Index) Adjacent(line, direction, fromStopID, toStopID string) bool {
	for _, dir := range directions(direction) {
		if len(i.hops[segmentKey{line, dir, fromStopID, toStopID}]) > 0 {
			return true
		}
	}
	return false
}

// OrderedStopsForTrip returns the trip's stop IDs in stop_sequence
// order.
func (i *Index) OrderedStopsForTrip(tripID string) ([]string, bool) {
	stops, found := i.ordered[tripID]
	return stops, found
}
