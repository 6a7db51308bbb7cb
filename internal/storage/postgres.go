package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS station_metrics (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL,
		network TEXT NOT NULL,
		station TEXT NOT NULL,
		velocity_peak DOUBLE PRECISION NOT NULL,
		displacement_peak DOUBLE PRECISION NOT NULL,
		acceleration_peak DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_station_metrics_station_ts ON station_metrics(network, station, ts)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id BIGSERIAL PRIMARY KEY,
		network TEXT NOT NULL,
		station TEXT NOT NULL,
		location TEXT NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		status TEXT NOT NULL,
		refreshed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		station TEXT NOT NULL,
		message TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/seismon?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresFromDB(db), nil
}

func newPostgresFromDB(db *sql.DB) Store {
	return &sqlStore{db: db, d: dialect{schema: postgresSchema, numbered: true}}
}
