package identity

import "roundabout.dev/analytics/model"

// Snapshot collapses a key's observations within one cycle into the
// deduplicated vehicle view. The representative observation is the
// one closest to the vehicle: fewest stations in between, then least
// time left, then lowest stop ID.
func Snapshot(key Key, observations []*model.Observation) model.VehicleSnapshot {
	best := observations[0]
	for _, o := range observations[1:] {
		if closer(o, best) {
			best = o
		}
	}

	return model.VehicleSnapshot{
		ObservedAt:      best.ObservedAt,
		CycleID:         best.CycleID,
		VehicleKey:      key.Value,
		VehicleID:       best.VehicleID,
		LineNumber:      best.LineNumber,
		LineName:        best.LineName,
		Direction:       best.Direction,
		Lat:             best.VehicleLat,
		Lon:             best.VehicleLon,
		SourceStopID:    best.StopID,
		SourceStopCode:  best.StopCode,
		SecondsLeft:     best.SecondsLeft,
		StationsBetween: best.StationsBetween,
	}
}

func closer(a, b *model.Observation) bool {
	if c := compareOptional(a.StationsBetween, b.StationsBetween); c != 0 {
		return c < 0
	}
	if c := compareOptional(a.SecondsLeft, b.SecondsLeft); c != 0 {
		return c < 0
	}
	return a.StopID < b.StopID
}

// Absent values sort after present ones.
func compareOptional(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}
