package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/schedule"
)

type ShapeCSV struct {
	ShapeID  string  `csv:"shape_id"`
	Lat      float64 `csv:"shape_pt_lat"`
	Lon      float64 `csv:"shape_pt_lon"`
	Sequence uint32  `csv:"shape_pt_sequence"`
}

// Returns the set of shape IDs.
func ParseShapes(writer schedule.FeedWriter, data io.Reader) (map[string]bool, error) {
	shapes := map[string]bool{}
	seqSeen := map[string]map[uint32]bool{}

	row := 0
	err := gocsv.UnmarshalToCallbackWithError(data, func(sp *ShapeCSV) error {
		row++
		if sp.ShapeID == "" {
			return fmt.Errorf("missing shape_id (row %d)", row)
		}
		if sp.Lat < -90 || sp.Lat > 90 || sp.Lon < -180 || sp.Lon > 180 {
			return fmt.Errorf("invalid shape point %f,%f (row %d)", sp.Lat, sp.Lon, row)
		}

		if seqSeen[sp.ShapeID] == nil {
			seqSeen[sp.ShapeID] = map[uint32]bool{}
		}
		if seqSeen[sp.ShapeID][sp.Sequence] {
			return fmt.Errorf("duplicate shape_pt_sequence %d for shape_id '%s'", sp.Sequence, sp.ShapeID)
		}
		seqSeen[sp.ShapeID][sp.Sequence] = true
		shapes[sp.ShapeID] = true

		err := writer.WriteShapePoint(&model.ShapePoint{
			ShapeID:  sp.ShapeID,
			Lat:      sp.Lat,
			Lon:      sp.Lon,
			Sequence: sp.Sequence,
		})
		if err != nil {
			return errors.Wrapf(err, "writing shape point (row %d)", row)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling shapes csv")
	}

	return shapes, nil
}
