package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PSQLSink writes derived records to Postgres.
type PSQLSink struct {
	sqlSink
}

// Creates a new Postgres sink using the provided connection string.
//
// If clearDB is true, all tables are dropped on startup. You probably
// only want this for testing.
func NewPSQLSink(connStr string, clearDB bool) (*PSQLSink, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		drops := make([]string, 0, len(tables))
		for _, t := range tables {
			drops = append(drops, fmt.Sprintf("DROP TABLE IF EXISTS %s;", pq.QuoteIdentifier(t.name)))
		}
		if _, err := db.Exec(strings.Join(drops, "\n")); err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	s := &PSQLSink{
		sqlSink: sqlSink{
			db: db,
			dialect: dialect{
				timeType:  "TIMESTAMPTZ",
				floatType: "DOUBLE PRECISION",
				param:     func(i int) string { return fmt.Sprintf("$%d", i) },
			},
		},
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}
