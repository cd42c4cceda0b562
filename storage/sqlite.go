package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// SQLiteSink writes derived records to SQLite, in memory unless
// configured to use a file in Directory.
type SQLiteSink struct {
	SQLiteConfig
	sqlSink
}

func NewSQLiteSink(cfg ...SQLiteConfig) (*SQLiteSink, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = filepath.Join(directory, "analytics.db")
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if !onDisk {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteSink{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		sqlSink: sqlSink{
			db: db,
			dialect: dialect{
				timeType:  "TIMESTAMP",
				floatType: "REAL",
				param:     func(int) string { return "?" },
			},
		},
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}
