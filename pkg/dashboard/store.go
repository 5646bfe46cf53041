// Package dashboard is this worker's supplemented read-model projection:
// every rotation and delivery lifecycle event is persisted to Postgres so
// an operator can inspect history the in-memory process state doesn't keep
// across restarts. Uses the pgx driver under database/sql plus
// golang-migrate with embedded SQL files, but no entgo.io/ent — this
// package's two tables are simple append-only event logs with no graph of
// relations to justify an ORM (see DESIGN.md).
package dashboard

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ridgeline-labs/mechworker/pkg/events"
)

//go:embed migrations
var migrationsFS embed.FS

// Store persists rotation and delivery events and serves the read API.
type Store struct {
	db *sql.DB
}

// NewStore opens dsn (a standard postgres:// URL or libpq keyword string),
// applies any pending migrations, and returns a ready Store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dashboard: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dashboard: ping: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dashboard: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an already-open, already-migrated *sql.DB; unlike
// NewStore it applies no migrations.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrateUp(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "dashboard", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return source.Close()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDelivery appends one DeliveryEngine state transition.
func (s *Store) RecordDelivery(ctx context.Context, p events.DeliveryPayload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (request_id, mech, tx_hash, event_type, reason, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.RequestID, p.Mech, nullIfEmpty(p.TxHash), p.Type, nullIfEmpty(p.Reason), p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("dashboard: record delivery: %w", err)
	}
	return nil
}

// RecordRotation appends one ServiceRotator decision.
func (s *Store) RecordRotation(ctx context.Context, p events.RotationPayload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rotations (service_config_id, event_type, reason, occurred_at) VALUES ($1, $2, $3, $4)`,
		p.ServiceConfigID, p.Type, nullIfEmpty(p.Reason), p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("dashboard: record rotation: %w", err)
	}
	return nil
}

// DeliveryRecord is one row of the deliveries read API.
type DeliveryRecord struct {
	RequestID  string    `json:"request_id"`
	Mech       string    `json:"mech"`
	TxHash     string    `json:"tx_hash,omitempty"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecentDeliveries returns the most recent delivery events, newest first.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, mech, COALESCE(tx_hash, ''), event_type, COALESCE(reason, ''), occurred_at
		 FROM deliveries ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dashboard: recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		if err := rows.Scan(&r.RequestID, &r.Mech, &r.TxHash, &r.EventType, &r.Reason, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("dashboard: scan delivery: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RotationRecord is one row of the rotations read API.
type RotationRecord struct {
	ServiceConfigID string    `json:"service_config_id"`
	EventType       string    `json:"event_type"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// RecentRotations returns the most recent rotation decisions, newest first.
func (s *Store) RecentRotations(ctx context.Context, limit int) ([]RotationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_config_id, event_type, COALESCE(reason, ''), occurred_at
		 FROM rotations ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dashboard: recent rotations: %w", err)
	}
	defer rows.Close()

	var out []RotationRecord
	for rows.Next() {
		var r RotationRecord
		if err := rows.Scan(&r.ServiceConfigID, &r.EventType, &r.Reason, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("dashboard: scan rotation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary is the dashboard's at-a-glance counters.
type Summary struct {
	DeliveriesDone   int `json:"deliveries_done"`
	DeliveriesFailed int `json:"deliveries_failed"`
	Rotations        int `json:"rotations"`
}

// Summarize computes Summary over all stored events.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var out Summary
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries WHERE event_type = $1`, events.TypeDeliveryDone)
	if err := row.Scan(&out.DeliveriesDone); err != nil {
		return Summary{}, fmt.Errorf("dashboard: count done: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries WHERE event_type = $1`, events.TypeDeliveryFailed)
	if err := row.Scan(&out.DeliveriesFailed); err != nil {
		return Summary{}, fmt.Errorf("dashboard: count failed: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rotations WHERE event_type = $1`, events.TypeRotationSwitched)
	if err := row.Scan(&out.Rotations); err != nil {
		return Summary{}, fmt.Errorf("dashboard: count rotations: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
