// Package storage persists metric updates, catalog listings and operational
// events to SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"seismon/internal/config"
	"seismon/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveMetrics(ctx context.Context, session string, station model.StationKey, snap model.MetricSnapshot) error
	SaveCatalog(ctx context.Context, records []model.ChannelRecord) error
	SaveEvent(ctx context.Context, ev model.Event) error
	LatestMetrics(ctx context.Context, station model.StationKey) (model.MetricSnapshot, bool, error)
	Catalog(ctx context.Context) ([]model.ChannelRecord, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type dialect struct {
	schema []string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) SaveMetrics(ctx context.Context, session string, station model.StationKey, snap model.MetricSnapshot) error {
	if s.db == nil {
		return nil
	}
	ts := snap.LastUpdate
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO station_metrics (ts, session_id, network, station, velocity_peak, displacement_peak, acceleration_peak)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ts.UTC(),
		session,
		station.Network,
		station.Station,
		snap.VelocityPeak,
		snap.DisplacementPeak,
		snap.AccelerationPeak,
	)
	return err
}

// SaveCatalog replaces the stored listing in one transaction.
func (s *sqlStore) SaveCatalog(ctx context.Context, records []model.ChannelRecord) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO channels (network, station, location, channel, type, start_time, end_time, status, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := nowUTC()
	for _, r := range records {
		var end sql.NullTime
		if !r.EndTime.IsZero() {
			end = sql.NullTime{Time: r.EndTime.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.Network,
			r.Station,
			r.Location,
			r.Channel,
			r.Type,
			r.StartTime.UTC(),
			end,
			string(r.Status),
			now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveEvent(ctx context.Context, ev model.Event) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO events (ts, kind, station, message) VALUES (?, ?, ?, ?)`),
		ev.Timestamp.UTC(),
		string(ev.Kind),
		ev.Station,
		ev.Message,
	)
	return err
}

func (s *sqlStore) LatestMetrics(ctx context.Context, station model.StationKey) (model.MetricSnapshot, bool, error) {
	if s.db == nil {
		return model.MetricSnapshot{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT ts, velocity_peak, displacement_peak, acceleration_peak FROM station_metrics
		WHERE network = ? AND station = ? ORDER BY ts DESC, id DESC LIMIT 1`),
		station.Network, station.Station)
	var snap model.MetricSnapshot
	if err := row.Scan(&snap.LastUpdate, &snap.VelocityPeak, &snap.DisplacementPeak, &snap.AccelerationPeak); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MetricSnapshot{}, false, nil
		}
		return model.MetricSnapshot{}, false, err
	}
	snap.LastUpdate = snap.LastUpdate.UTC()
	return snap, true, nil
}

func (s *sqlStore) Catalog(ctx context.Context) ([]model.ChannelRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT network, station, location, channel, type, start_time, end_time, status FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChannelRecord
	for rows.Next() {
		var r model.ChannelRecord
		var end sql.NullTime
		var status string
		if err := rows.Scan(&r.Network, &r.Station, &r.Location, &r.Channel, &r.Type, &r.StartTime, &end, &status); err != nil {
			return nil, err
		}
		r.StartTime = r.StartTime.UTC()
		if end.Valid {
			r.EndTime = end.Time.UTC()
		}
		r.Status = model.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
