// Package snapshot persists the engine's last-confirmed resource state
// and per-cycle history in a local SQLite database. The store is an
// optimization: losing it never loses desired or observed state.
package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/resource"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements engine.SnapshotStore on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a store backed by the database file at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Store{path: path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get fetches the snapshot for one resource, nil when none is recorded.
func (s *Store) Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*engine.SnapshotEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cluster, kind, id, name, attributes, revision, cycle_id, updated_at
		FROM snapshots WHERE cluster = ? AND kind = ? AND id = ?`,
		cluster, string(kind), id,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// Upsert records the confirmed state for one resource.
func (s *Store) Upsert(ctx context.Context, entry *engine.SnapshotEntry) error {
	attrs, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (cluster, kind, id, name, attributes, revision, cycle_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster, kind, id) DO UPDATE SET
			name = excluded.name,
			attributes = excluded.attributes,
			revision = excluded.revision,
			cycle_id = excluded.cycle_id,
			updated_at = excluded.updated_at`,
		entry.Cluster, string(entry.Kind), entry.ID, entry.Name,
		string(attrs), entry.Revision, entry.CycleID, entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot for one resource. Deleting an absent row
// is a no-op.
func (s *Store) Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE cluster = ? AND kind = ? AND id = ?`,
		cluster, string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List returns every snapshot recorded for a cluster, ordered by kind
// then id.
func (s *Store) List(ctx context.Context, cluster string) ([]*engine.SnapshotEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cluster, kind, id, name, attributes, revision, cycle_id, updated_at
		FROM snapshots WHERE cluster = ? ORDER BY kind, id`,
		cluster,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var entries []*engine.SnapshotEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordCycle appends one row to the cycle history.
func (s *Store) RecordCycle(ctx context.Context, rec *engine.CycleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, cluster, direction, clean, created, updated, deleted, skipped, failed, commit_revision, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, rec.Cluster, string(rec.Direction), boolToInt(rec.Clean),
		rec.Created, rec.Updated, rec.Deleted, rec.Skipped, rec.Failed,
		rec.CommitRevision, rec.StartedAt.UTC(), rec.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}
	return nil
}

// RecentCycles returns the most recent cycle records for a cluster.
func (s *Store) RecentCycles(ctx context.Context, cluster string, limit int) ([]*engine.CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, cluster, direction, clean, created, updated, deleted, skipped, failed, commit_revision, started_at, completed_at
		FROM cycles WHERE cluster = ? ORDER BY started_at DESC LIMIT ?`,
		cluster, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var records []*engine.CycleRecord
	for rows.Next() {
		var rec engine.CycleRecord
		var direction string
		var clean int
		if err := rows.Scan(
			&rec.CycleID, &rec.Cluster, &direction, &clean,
			&rec.Created, &rec.Updated, &rec.Deleted, &rec.Skipped, &rec.Failed,
			&rec.CommitRevision, &rec.StartedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		rec.Direction = engine.Direction(direction)
		rec.Clean = clean != 0
		records = append(records, &rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*engine.SnapshotEntry, error) {
	var entry engine.SnapshotEntry
	var kind, attrs string
	if err := row.Scan(
		&entry.Cluster, &kind, &entry.ID, &entry.Name,
		&attrs, &entry.Revision, &entry.CycleID, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.Kind = resource.Kind(kind)
	if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return &entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
