package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS station_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		network TEXT NOT NULL,
		station TEXT NOT NULL,
		velocity_peak REAL NOT NULL,
		displacement_peak REAL NOT NULL,
		acceleration_peak REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_station_metrics_station_ts ON station_metrics(network, station, ts)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network TEXT NOT NULL,
		station TEXT NOT NULL,
		location TEXT NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		status TEXT NOT NULL,
		refreshed_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		kind TEXT NOT NULL,
		station TEXT NOT NULL,
		message TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:seismon.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: dialect{schema: sqliteSchema}}, nil
}
