package schedule

import (
	"math"

	"roundabout.dev/analytics/model"
)

// Shape is a trip's polyline, ordered by shape_pt_sequence.
type Shape []model.ShapePoint

func (s Shape) LengthKm() float64 {
	total := 0.0
	for j := 1; j < len(s); j++ {
		total += HaversineDistance(s[j-1].Lat, s[j-1].Lon, s[j].Lat, s[j].Lon)
	}
	return total
}

func (i *Index) ShapeForTrip(tripID string) (Shape, bool) {
	trip, found := i.trips[tripID]
	if !found || trip.ShapeID == "" {
		return nil, false
	}
	shape, found := i.shapes[trip.ShapeID]
	return shape, found
}

// Great-circle distance in km.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadiusKm = 6371

	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}
