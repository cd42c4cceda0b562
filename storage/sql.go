package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"roundabout.dev/analytics/model"
)

type columnKind int

const (
	kindText columnKind = iota
	kindInt
	kindFloat
	kindTime
	kindBool
)

type column struct {
	name     string
	kind     columnKind
	nullable bool
}

type table struct {
	name    string
	columns []column

	// Rows with a known ID are replaced rather than skipped.
	upsert bool
}

// The first column of every table is its primary key.
var (
	cycleTable = table{
		name: "cycle",
		columns: []column{
			{"id", kindText, false},
			{"started_at", kindTime, false},
			{"finished_at", kindTime, false},
			{"stops_total", kindInt, false},
			{"responses", kindInt, false},
			{"errors", kindInt, false},
			{"predictions", kindInt, false},
			{"unique_vehicles", kindInt, false},
			{"malformed", kindInt, false},
			{"out_of_order", kindInt, false},
			{"abandoned", kindInt, false},
			{"evicted", kindInt, false},
		},
	}

	vehicleTable = table{
		name: "vehicle_snapshot",
		columns: []column{
			{"id", kindText, false},
			{"observed_at", kindTime, false},
			{"cycle_id", kindText, false},
			{"vehicle_key", kindText, false},
			{"vehicle_id", kindText, true},
			{"line_number", kindText, false},
			{"line_name", kindText, false},
			{"direction", kindText, true},
			{"lat", kindFloat, true},
			{"lon", kindFloat, true},
			{"source_stop_id", kindText, false},
			{"source_stop_code", kindText, false},
			{"seconds_left", kindInt, true},
			{"stations_between", kindInt, true},
		},
	}

	movementTable = table{
		name: "vehicle_movement",
		columns: []column{
			{"id", kindText, false},
			{"observed_at", kindTime, false},
			{"cycle_id", kindText, false},
			{"vehicle_key", kindText, false},
			{"current_stop_id", kindText, false},
			{"previous_cycle_id", kindText, false},
			{"previous_stop_id", kindText, true},
			{"distance_km", kindFloat, true},
			{"stop_changed", kindBool, false},
			{"cycles_since_last_seen", kindInt, false},
		},
	}

	arrivalTable = table{
		name: "arrival",
		columns: []column{
			{"id", kindText, false},
			{"vehicle_key", kindText, false},
			{"vehicle_id", kindText, true},
			{"line_number", kindText, false},
			{"direction", kindText, false},
			{"stop_id", kindText, false},
			{"stop_code", kindText, false},
			{"arrival_at", kindTime, false},
			{"source_cycle_id", kindText, false},
			{"source_observed_at", kindTime, false},
		},
	}

	etaErrorTable = table{
		name: "eta_error",
		columns: []column{
			{"id", kindText, false},
			{"observed_at", kindTime, false},
			{"predicted_arrival_at", kindTime, false},
			{"actual_arrival_at", kindTime, false},
			{"stop_id", kindText, false},
			{"stop_code", kindText, false},
			{"line_number", kindText, false},
			{"direction", kindText, false},
			{"vehicle_key", kindText, false},
			{"error_seconds", kindInt, false},
		},
	}

	headwayTable = table{
		name: "headway",
		columns: []column{
			{"id", kindText, false},
			{"line_number", kindText, false},
			{"direction", kindText, false},
			{"stop_id", kindText, false},
			{"stop_code", kindText, false},
			{"observed_at", kindTime, false},
			{"headway_seconds", kindInt, false},
			{"scheduled_headway_seconds", kindInt, true},
			{"vehicle_key", kindText, false},
			{"prev_vehicle_key", kindText, false},
			{"bunched", kindBool, false},
		},
	}

	segmentDelayTable = table{
		name: "segment_delay",
		columns: []column{
			{"id", kindText, false},
			{"line_number", kindText, false},
			{"direction", kindText, false},
			{"from_stop_id", kindText, false},
			{"to_stop_id", kindText, false},
			{"observed_at", kindTime, false},
			{"actual_travel_seconds", kindInt, false},
			{"scheduled_travel_seconds", kindInt, true},
			{"delay_seconds", kindInt, true},
			{"vehicle_key", kindText, false},
		},
	}

	rollupTable = table{
		name:   "hourly_rollup",
		upsert: true,
		columns: []column{
			{"id", kindText, false},
			{"metric", kindText, false},
			{"line_number", kindText, false},
			{"day", kindText, false},
			{"hour", kindInt, false},
			{"count", kindInt, false},
			{"mean", kindFloat, false},
			{"stddev", kindFloat, false},
			{"p50", kindFloat, false},
			{"p95", kindFloat, false},
			{"min", kindFloat, false},
			{"max", kindFloat, false},
			{"flagged", kindInt, false},
		},
	}

	tables = []table{
		cycleTable,
		vehicleTable,
		movementTable,
		arrivalTable,
		etaErrorTable,
		headwayTable,
		segmentDelayTable,
		rollupTable,
	}
)

// Dialect specifics of the SQL backends.
type dialect struct {
	timeType  string
	floatType string
	param     func(i int) string
}

func (t table) createStatement(d dialect) string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		var typ string
		switch c.kind {
		case kindText:
			typ = "TEXT"
		case kindInt:
			typ = "INTEGER"
		case kindFloat:
			typ = d.floatType
		case kindTime:
			typ = d.timeType
		case kindBool:
			typ = "BOOLEAN"
		}
		def := fmt.Sprintf("    %s %s", c.name, typ)
		if !c.nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("    PRIMARY KEY (%s)", t.columns[0].name))

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);", t.name, strings.Join(defs, ",\n"))
}

func (t table) insertStatement(d dialect) string {
	names := make([]string, len(t.columns))
	params := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
		params[i] = d.param(i + 1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s)\nVALUES (%s)\nON CONFLICT (%s) ",
		t.name,
		strings.Join(names, ", "),
		strings.Join(params, ", "),
		t.columns[0].name,
	)

	if !t.upsert {
		return query + "DO NOTHING"
	}

	sets := make([]string, 0, len(t.columns)-1)
	for _, c := range t.columns[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
	}
	return query + "DO UPDATE SET\n    " + strings.Join(sets, ",\n    ")
}

func schema(d dialect) string {
	statements := make([]string, 0, len(tables))
	for _, t := range tables {
		statements = append(statements, t.createStatement(d))
	}
	return strings.Join(statements, "\n\n")
}

// sqlSink is the database/sql implementation shared by the SQLite and
// Postgres sinks.
type sqlSink struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlSink) createTables() error {
	_, err := s.db.Exec(schema(s.dialect))
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Writes the whole cycle in a single transaction.
func (s *sqlSink) WriteCycle(ctx context.Context, out *model.CycleOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	err = s.writeRows(ctx, tx, out)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *sqlSink) writeRows(ctx context.Context, tx *sql.Tx, out *model.CycleOutput) error {
	sum := out.Summary
	err := s.insert(ctx, tx, cycleTable, [][]interface{}{{
		out.CycleID,
		sum.StartedAt,
		sum.FinishedAt,
		sum.StopsTotal,
		sum.Responses,
		sum.Errors,
		sum.Predictions,
		sum.UniqueVehicles,
		out.Malformed,
		out.OutOfOrder,
		out.Abandoned,
		out.Evicted,
	}})
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(out.Vehicles))
	for i := range out.Vehicles {
		v := &out.Vehicles[i]
		rows = append(rows, []interface{}{
			v.ID(),
			v.ObservedAt,
			v.CycleID,
			v.VehicleKey,
			v.VehicleID,
			v.LineNumber,
			v.LineName,
			v.Direction,
			v.Lat,
			v.Lon,
			v.SourceStopID,
			v.SourceStopCode,
			v.SecondsLeft,
			v.StationsBetween,
		})
	}
	if err := s.insert(ctx, tx, vehicleTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.Movements))
	for i := range out.Movements {
		m := &out.Movements[i]
		rows = append(rows, []interface{}{
			m.ID(),
			m.ObservedAt,
			m.CycleID,
			m.VehicleKey,
			m.CurrentStopID,
			m.PreviousCycleID,
			m.PreviousStopID,
			m.DistanceKm,
			m.StopChanged,
			m.CyclesSinceLastSeen,
		})
	}
	if err := s.insert(ctx, tx, movementTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.Arrivals))
	for i := range out.Arrivals {
		a := &out.Arrivals[i]
		rows = append(rows, []interface{}{
			a.ID(),
			a.VehicleKey,
			a.VehicleID,
			a.LineNumber,
			a.Direction,
			a.StopID,
			a.StopCode,
			a.ArrivalAt,
			a.SourceCycleID,
			a.SourceObservedAt,
		})
	}
	if err := s.insert(ctx, tx, arrivalTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.ETAErrors))
	for i := range out.ETAErrors {
		e := &out.ETAErrors[i]
		rows = append(rows, []interface{}{
			e.ID(),
			e.ObservedAt,
			e.PredictedArrivalAt,
			e.ActualArrivalAt,
			e.StopID,
			e.StopCode,
			e.LineNumber,
			e.Direction,
			e.VehicleKey,
			e.ErrorSeconds,
		})
	}
	if err := s.insert(ctx, tx, etaErrorTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.Headways))
	for i := range out.Headways {
		h := &out.Headways[i]
		rows = append(rows, []interface{}{
			h.ID(),
			h.LineNumber,
			h.Direction,
			h.StopID,
			h.StopCode,
			h.ObservedAt,
			h.HeadwaySeconds,
			h.ScheduledHeadwaySeconds,
			h.VehicleKey,
			h.PrevVehicleKey,
			h.Bunched,
		})
	}
	if err := s.insert(ctx, tx, headwayTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.SegmentDelays))
	for i := range out.SegmentDelays {
		d := &out.SegmentDelays[i]
		rows = append(rows, []interface{}{
			d.ID(),
			d.LineNumber,
			d.Direction,
			d.FromStopID,
			d.ToStopID,
			d.ObservedAt,
			d.ActualTravelSeconds,
			d.ScheduledTravelSeconds,
			d.DelaySeconds,
			d.VehicleKey,
		})
	}
	if err := s.insert(ctx, tx, segmentDelayTable, rows); err != nil {
		return err
	}

	rows = make([][]interface{}, 0, len(out.Rollups))
	for i := range out.Rollups {
		r := &out.Rollups[i]
		rows = append(rows, []interface{}{
			r.ID(),
			string(r.Metric),
			r.LineNumber,
			r.Day,
			r.Hour,
			r.Count,
			r.Mean,
			r.StdDev,
			r.P50,
			r.P95,
			r.Min,
			r.Max,
			r.Flagged,
		})
	}
	return s.insert(ctx, tx, rollupTable, rows)
}

func (s *sqlSink) insert(ctx context.Context, tx *sql.Tx, t table, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, t.insertStatement(s.dialect))
	if err != nil {
		return fmt.Errorf("preparing %s insert: %w", t.name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("inserting %s '%v': %w", t.name, row[0], err)
		}
	}

	return nil
}

// Count returns the number of rows in one of the sink's tables.
func (s *sqlSink) Count(ctx context.Context, tableName string) (int, error) {
	known := false
	for _, t := range tables {
		if t.name == tableName {
			known = true
		}
	}
	if !known {
		return 0, fmt.Errorf("unknown table '%s'", tableName)
	}

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", tableName, err)
	}
	return n, nil
}

func (s *sqlSink) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing db: %w", err)
	}
	return nil
}
