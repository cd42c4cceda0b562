package parse

import (
	"context"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"roundabout.dev/analytics/model"
)

const feedTimestamp = 1751356800 // 2025-07-01 08:00:00 UTC

type fakeResolver struct {
	stops map[string]*model.Stop
	trips map[string]*model.Trip
}

func (r *fakeResolver) Stop(stopID string) (*model.Stop, bool) {
	stop, found := r.stops[stopID]
	return stop, found
}

func (r *fakeResolver) Trip(tripID string) (*model.Trip, bool) {
	trip, found := r.trips[tripID]
	return trip, found
}

func (r *fakeResolver) LineForRoute(routeID string) string {
	if routeID == "r7" {
		return "7"
	}
	return routeID
}

func header(version string, incrementality gtfsproto.FeedHeader_Incrementality, timestamp uint64) *gtfsproto.FeedHeader {
	return &gtfsproto.FeedHeader{
		GtfsRealtimeVersion: proto.String(version),
		Incrementality:      incrementality.Enum(),
		Timestamp:           proto.Uint64(timestamp),
	}
}

func update(stopID string, seq uint32, arrival int64) *gtfsproto.TripUpdate_StopTimeUpdate {
	return &gtfsproto.TripUpdate_StopTimeUpdate{
		StopId:       proto.String(stopID),
		StopSequence: proto.Uint32(seq),
		Arrival:      &gtfsproto.TripUpdate_StopTimeEvent{Time: proto.Int64(arrival)},
	}
}

func marshal(t *testing.T, msg *gtfsproto.FeedMessage) []byte {
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestParseRealtimeBadHeader(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header *gtfsproto.FeedHeader
		err    bool
	}{
		{"2.0", header("2.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp), false},
		{"1.0", header("1.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp), false},
		{"unsupported version", header("3.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp), true},
		{"differential", header("2.0", gtfsproto.FeedHeader_DIFFERENTIAL, feedTimestamp), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := ParseRealtime(context.Background(), [][]byte{marshal(t, &gtfsproto.FeedMessage{Header: tc.header})})
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(feedTimestamp), rt.Timestamp)
			assert.Empty(t, rt.Updates)
		})
	}

	_, err := ParseRealtime(context.Background(), [][]byte{[]byte("definitely not protobuf")})
	assert.Error(t, err)
}

func feed(t *testing.T) []byte {
	return marshal(t, &gtfsproto.FeedMessage{
		Header: header("2.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp),
		Entity: []*gtfsproto.FeedEntity{
			{
				Id: proto.String("tu1"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{
						TripId:      proto.String("t1"),
						RouteId:     proto.String("r7"),
						DirectionId: proto.Uint32(0),
					},
					Vehicle: &gtfsproto.VehicleDescriptor{Id: proto.String("P80276")},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						update("s3", 3, feedTimestamp+240),
						update("s2", 2, feedTimestamp-10),
						update("s4", 4, feedTimestamp+420),
						{
							StopId:               proto.String("s5"),
							StopSequence:         proto.Uint32(5),
							ScheduleRelationship: gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
						},
						{
							StopId:       proto.String("s6"),
							StopSequence: proto.Uint32(6),
							Departure:    &gtfsproto.TripUpdate_StopTimeEvent{Time: proto.Int64(feedTimestamp + 600)},
						},
					},
				},
			},
			{
				Id: proto.String("vp1"),
				Vehicle: &gtfsproto.VehiclePosition{
					Vehicle:  &gtfsproto.VehicleDescriptor{Id: proto.String("P80276")},
					Position: &gtfsproto.Position{Latitude: proto.Float32(44.816), Longitude: proto.Float32(20.45)},
				},
			},
			{
				Id: proto.String("tu2"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t2")},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						update("s1", 1, feedTimestamp+60),
					},
				},
			},
			{
				Id: proto.String("tu3"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{
						TripId:               proto.String("t3"),
						ScheduleRelationship: gtfsproto.TripDescriptor_CANCELED.Enum(),
					},
				},
			},
			{
				Id: proto.String("tu4"),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{RouteId: proto.String("r7")},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						update("s1", 1, feedTimestamp+60),
					},
				},
			},
		},
	})
}

func TestParseRealtime(t *testing.T) {
	rt, err := ParseRealtime(context.Background(), [][]byte{feed(t)})
	require.NoError(t, err)

	assert.Equal(t, 2, rt.NumScheduledTrips)
	assert.Equal(t, 1, rt.NumSkippedTrips)
	require.Len(t, rt.Updates, 4)
	assert.Equal(t, "s3", rt.Updates[0].StopID)
	assert.Equal(t, "P80276", rt.Updates[0].VehicleID)
	assert.Equal(t, int8(0), *rt.Updates[0].DirectionID)
	assert.Equal(t, time.Unix(feedTimestamp+240, 0).UTC(), rt.Updates[0].ArrivalTime)
	assert.Nil(t, rt.Updates[3].DirectionID)

	require.Contains(t, rt.Positions, "P80276")
	assert.InDelta(t, 44.816, rt.Positions["P80276"].Lat, 1e-5)
	assert.InDelta(t, 20.45, rt.Positions["P80276"].Lon, 1e-5)

	// Feeds are concatenated.
	rt, err = ParseRealtime(context.Background(), [][]byte{feed(t), feed(t)})
	require.NoError(t, err)
	assert.Len(t, rt.Updates, 8)
}

func TestParseRealtimeErrors(t *testing.T) {
	// Producers can emit messages missing required fields; those
	// fail to unmarshal.
	noTrip, err := proto.MarshalOptions{AllowPartial: true}.Marshal(&gtfsproto.FeedMessage{
		Header: header("2.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp),
		Entity: []*gtfsproto.FeedEntity{{Id: proto.String("e"), TripUpdate: &gtfsproto.TripUpdate{}}},
	})
	require.NoError(t, err)
	_, err = ParseRealtime(context.Background(), [][]byte{noTrip})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshaling protobuf")

	noStop := marshal(t, &gtfsproto.FeedMessage{
		Header: header("2.0", gtfsproto.FeedHeader_FULL_DATASET, feedTimestamp),
		Entity: []*gtfsproto.FeedEntity{{
			Id: proto.String("e"),
			TripUpdate: &gtfsproto.TripUpdate{
				Trip: &gtfsproto.TripDescriptor{TripId: proto.String("t1")},
				StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{{
					Arrival: &gtfsproto.TripUpdate_StopTimeEvent{Time: proto.Int64(feedTimestamp)},
				}},
			},
		}},
	})
	_, err = ParseRealtime(context.Background(), [][]byte{noStop})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ParseRealtime(ctx, [][]byte{feed(t)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealtimeObservations(t *testing.T) {
	rt, err := ParseRealtime(context.Background(), [][]byte{feed(t)})
	require.NoError(t, err)

	resolver := &fakeResolver{
		stops: map[string]*model.Stop{
			"s1": {ID: "s1", Code: "1001"},
			"s2": {ID: "s2", Code: "1002"},
			"s3": {ID: "s3", Code: "1003"},
		},
		trips: map[string]*model.Trip{
			"t2": {ID: "t2", RouteID: "r7", DirectionID: 1},
		},
	}

	observations := rt.Observations(resolver)
	require.Len(t, observations, 4)

	observedAt := time.Unix(feedTimestamp, 0).UTC()
	for _, o := range observations {
		assert.Equal(t, observedAt, o.ObservedAt)
		assert.Equal(t, "20250701T080000Z", o.CycleID)
		assert.Equal(t, "7", o.LineNumber)
		assert.NoError(t, o.Validate())
	}

	// t1, in stop sequence order. The vehicle is at s2.
	for i, tc := range []struct {
		stopID   string
		stopCode string
		left     int
		between  int
	}{
		{"s2", "1002", -10, 0},
		{"s3", "1003", 240, 0},
		{"s4", "", 420, 1},
	} {
		o := observations[i]
		assert.Equal(t, tc.stopID, o.StopID)
		assert.Equal(t, tc.stopCode, o.StopCode)
		assert.Equal(t, tc.left, *o.SecondsLeft)
		assert.Equal(t, tc.between, *o.StationsBetween)
		assert.Equal(t, "0", *o.Direction)
		assert.Equal(t, "P80276", *o.VehicleID)
		assert.InDelta(t, 44.816, *o.VehicleLat, 1e-5)
	}
	assert.Equal(t, observedAt.Add(240*time.Second), *observations[1].PredictedArrivalAt)

	// t2 takes its route and direction from the schedule.
	o := observations[3]
	assert.Equal(t, "s1", o.StopID)
	assert.Equal(t, "1", *o.Direction)
	assert.Nil(t, o.VehicleID)
	assert.Nil(t, o.VehicleLat)
	assert.Equal(t, 60, *o.SecondsLeft)

	// Without a route the trip can't be placed on a line.
	assert.Len(t, rt.Observations(&fakeResolver{}), 3)
}
