// Package postgres loads groups, stations and power profiles from the
// smart-charging tables in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/smartcharge/core/topology"
)

const (
	defaultMaxConns     = 5
	defaultConnLifetime = time.Hour
	defaultPingTimeout  = 5 * time.Second
)

// Schema creates the tables read by Source.
const Schema = `
CREATE TABLE IF NOT EXISTS charging_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	max_power_kw DOUBLE PRECISION NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	load_balancing_strategy TEXT
);
CREATE TABLE IF NOT EXISTS charging_stations (
	id TEXT PRIMARY KEY,
	charging_group_id TEXT REFERENCES charging_groups(id),
	max_power_kw DOUBLE PRECISION NOT NULL,
	priority_level INTEGER,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	smart_charging_enabled BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS power_profiles (
	id TEXT PRIMARY KEY,
	station_id TEXT,
	group_id TEXT,
	start_time TIME NOT NULL,
	end_time TIME NOT NULL,
	max_power_kw DOUBLE PRECISION NOT NULL,
	min_power_kw DOUBLE PRECISION,
	day_of_week TEXT NOT NULL,
	price_tier TEXT
);`

// Config holds the connection string.
type Config struct {
	DSN string `json:"dsn"`
}

// NewPool creates a pgx pool and validates the connection.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pcfg.MaxConns = defaultMaxConns
	pcfg.MaxConnLifetime = defaultConnLifetime
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Source implements topology.Source.
type Source struct {
	pool *pgxpool.Pool
}

var _ topology.Source = (*Source)(nil)

// NewSource wraps pool.
func NewSource(pool *pgxpool.Pool) *Source { return &Source{pool: pool} }

// Migrate creates the tables when missing.
func (s *Source) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Load reads all three tables in one read-only transaction so the snapshot
// is consistent.
func (s *Source) Load(ctx context.Context) (topology.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return topology.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var recs topology.Records
	if recs.Groups, err = loadGroups(ctx, tx); err != nil {
		return topology.Snapshot{}, fmt.Errorf("load groups: %w", err)
	}
	if recs.Stations, err = loadStations(ctx, tx); err != nil {
		return topology.Snapshot{}, fmt.Errorf("load stations: %w", err)
	}
	if recs.Profiles, err = loadProfiles(ctx, tx); err != nil {
		return topology.Snapshot{}, fmt.Errorf("load profiles: %w", err)
	}
	return recs.Snapshot()
}

func loadGroups(ctx context.Context, tx pgx.Tx) ([]topology.GroupRecord, error) {
	rows, err := tx.Query(ctx, `SELECT id, name, max_power_kw, active, COALESCE(load_balancing_strategy, '')
		FROM charging_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.GroupRecord, error) {
		var g topology.GroupRecord
		var active bool
		err := row.Scan(&g.ID, &g.Name, &g.MaxPowerKW, &active, &g.Strategy)
		g.Active = &active
		return g, err
	})
}

func loadStations(ctx context.Context, tx pgx.Tx) ([]topology.StationRecord, error) {
	rows, err := tx.Query(ctx, `SELECT id, COALESCE(charging_group_id, ''), max_power_kw, COALESCE(priority_level, 0),
		enabled, smart_charging_enabled FROM charging_stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.StationRecord, error) {
		var st topology.StationRecord
		var enabled, smart bool
		err := row.Scan(&st.ID, &st.GroupID, &st.MaxPowerKW, &st.PriorityLevel, &enabled, &smart)
		st.Enabled, st.SmartChargingEnabled = &enabled, &smart
		return st, err
	})
}

func loadProfiles(ctx context.Context, tx pgx.Tx) ([]topology.ProfileRecord, error) {
	rows, err := tx.Query(ctx, `SELECT id, COALESCE(station_id, ''), COALESCE(group_id, ''), day_of_week,
		to_char(start_time, 'HH24:MI:SS'), to_char(end_time, 'HH24:MI:SS'),
		COALESCE(min_power_kw, 0), max_power_kw, COALESCE(price_tier, '')
		FROM power_profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.ProfileRecord, error) {
		var p topology.ProfileRecord
		err := row.Scan(&p.ID, &p.StationID, &p.GroupID, &p.DayOfWeek, &p.StartTime, &p.EndTime,
			&p.MinPowerKW, &p.MaxPowerKW, &p.PriceTier)
		return p, err
	})
}
