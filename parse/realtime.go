package parse

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"roundabout.dev/analytics/model"
)

const CycleIDFormat = "20060102T150405Z"

type StopTimeUpdate struct {
	TripID       string
	RouteID      string
	DirectionID  *int8
	VehicleID    string
	StopID       string
	StopSequence uint32
	ArrivalTime  time.Time
}

type VehiclePosition struct {
	Lat float64
	Lon float64
}

// Contains the predictions of one or more GTFS Realtime feeds.
type Realtime struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp uint64
	Updates   []*StopTimeUpdate
	Positions map[string]VehiclePosition

	NumScheduledTrips int
	NumSkippedTrips   int
}

// Resolves feed references against the static schedule.
type ScheduleResolver interface {
	Stop(stopID string) (*model.Stop, bool)
	Trip(tripID string) (*model.Trip, bool)
	LineForRoute(routeID string) string
}

func ParseRealtime(ctx context.Context, feeds [][]byte) (*Realtime, error) {
	rt := &Realtime{
		Updates:   []*StopTimeUpdate{},
		Positions: map[string]VehiclePosition{},
	}

	for _, feed := range feeds {
		f := &gtfsproto.FeedMessage{}
		if err := proto.Unmarshal(feed, f); err != nil {
			return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
		}

		header := f.GetHeader()

		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, fmt.Errorf("version %s not supported", version)
		}

		if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
			return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
		}

		rt.Timestamp = header.GetTimestamp()

		if err := processEntities(ctx, rt, f.GetEntity()); err != nil {
			return nil, fmt.Errorf("processing entities: %w", err)
		}
	}

	return rt, nil
}

func processEntities(ctx context.Context, rt *Realtime, entities []*gtfsproto.FeedEntity) error {
	for _, entity := range entities {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if vp := entity.GetVehicle(); vp != nil && vp.GetPosition() != nil {
			if id := vp.GetVehicle().GetId(); id != "" {
				rt.Positions[id] = VehiclePosition{
					Lat: float64(vp.GetPosition().GetLatitude()),
					Lon: float64(vp.GetPosition().GetLongitude()),
				}
			}
		}

		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}

		// trip is a required field, so Unmarshal has already
		// rejected updates without one.
		trip := tu.GetTrip()

		// Only scheduled trips carry predictions we can place on
		// a line. Trips without trip_id are not supported.
		if trip.GetTripId() == "" {
			continue
		}
		if trip.GetScheduleRelationship() != gtfsproto.TripDescriptor_SCHEDULED {
			rt.NumSkippedTrips++
			continue
		}
		rt.NumScheduledTrips++

		var directionID *int8
		if trip.DirectionId != nil {
			d := int8(trip.GetDirectionId())
			directionID = &d
		}

		for _, update := range tu.GetStopTimeUpdate() {
			if update.GetScheduleRelationship() != gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED {
				continue
			}
			if update.GetStopId() == "" {
				return fmt.Errorf("stop_time_update for trip '%s' missing stop_id", trip.GetTripId())
			}

			// Only absolute arrival predictions are usable as
			// ETAs.
			arrivalUnix := update.GetArrival().GetTime()
			if arrivalUnix == 0 {
				continue
			}

			rt.Updates = append(rt.Updates, &StopTimeUpdate{
				TripID:       trip.GetTripId(),
				RouteID:      trip.GetRouteId(),
				DirectionID:  directionID,
				VehicleID:    tu.GetVehicle().GetId(),
				StopID:       update.GetStopId(),
				StopSequence: update.GetStopSequence(),
				ArrivalTime:  time.Unix(arrivalUnix, 0).UTC(),
			})
		}
	}

	return nil
}

// Observations translates the parsed feed into per-stop observations
// for a single cycle, identified by the feed timestamp.
func (rt *Realtime) Observations(resolver ScheduleResolver) []model.Observation {
	observedAt := time.Unix(int64(rt.Timestamp), 0).UTC()
	cycleID := observedAt.Format(CycleIDFormat)

	byTrip := map[string][]*StopTimeUpdate{}
	tripIDs := []string{}
	for _, u := range rt.Updates {
		if _, found := byTrip[u.TripID]; !found {
			tripIDs = append(tripIDs, u.TripID)
		}
		byTrip[u.TripID] = append(byTrip[u.TripID], u)
	}

	observations := []model.Observation{}
	for _, tripID := range tripIDs {
		updates := byTrip[tripID]
		sort.SliceStable(updates, func(i, j int) bool {
			return updates[i].StopSequence < updates[j].StopSequence
		})

		routeID := updates[0].RouteID
		directionID := updates[0].DirectionID
		if trip, found := resolver.Trip(tripID); found {
			if routeID == "" {
				routeID = trip.RouteID
			}
			if directionID == nil {
				d := trip.DirectionID
				directionID = &d
			}
		}
		if routeID == "" {
			continue
		}
		line := resolver.LineForRoute(routeID)

		var direction *string
		if directionID != nil {
			d := strconv.Itoa(int(*directionID))
			direction = &d
		}

		// Feeds drop stops once passed, so the position among the
		// remaining updates is the number of stations in between.
		// A stop whose predicted arrival is already past is the one
		// the vehicle is at.
		stationsBetween := 0
		for _, u := range updates {
			between := stationsBetween
			if u.ArrivalTime.After(observedAt) {
				stationsBetween++
			} else {
				between = 0
			}

			o := model.Observation{
				ObservedAt:         observedAt,
				CycleID:            cycleID,
				StopID:             u.StopID,
				LineNumber:         line,
				LineName:           line,
				Direction:          direction,
				PredictedArrivalAt: timePtr(u.ArrivalTime),
				SecondsLeft:        intPtr(int(u.ArrivalTime.Sub(observedAt) / time.Second)),
				StationsBetween:    intPtr(between),
			}

			if stop, found := resolver.Stop(u.StopID); found {
				o.StopCode = stop.Code
			}
			if u.VehicleID != "" {
				o.VehicleID = stringPtr(u.VehicleID)
				if pos, found := rt.Positions[u.VehicleID]; found {
					o.VehicleLat = floatPtr(pos.Lat)
					o.VehicleLon = floatPtr(pos.Lon)
				}
			}

			observations = append(observations, o)
		}
	}

	return observations
}

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

func stringPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
