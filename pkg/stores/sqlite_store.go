package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

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

// RecordInstall appends a finished install attempt.
func (s *SQLiteStore) RecordInstall(ctx context.Context, rec *InstallRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()

	query := `
		INSERT INTO install_records (module_id, version, source, status, path, code, reason, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.ModuleID,
		rec.Version,
		rec.Source,
		rec.Status,
		rec.Path,
		rec.Code,
		rec.Reason,
		rec.Duration.Milliseconds(),
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get install record ID: %w", err)
	}
	rec.ID = id
	return nil
}

// ListInstallRecords returns install attempts newest first. An empty
// moduleID lists every module.
func (s *SQLiteStore) ListInstallRecords(ctx context.Context, moduleID string, limit, offset int) ([]*InstallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, module_id, version, source, status, path, code, reason, duration_ms, recorded_at
		FROM install_records
		WHERE (? = '' OR module_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, moduleID, moduleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list install records: %w", err)
	}
	defer rows.Close()

	records := []*InstallRecord{}
	for rows.Next() {
		rec, err := scanInstallRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating install records: %w", err)
	}

	return records, nil
}

// LatestInstall returns the most recent install attempt of a module, or
// ErrNotFound.
func (s *SQLiteStore) LatestInstall(ctx context.Context, moduleID string) (*InstallRecord, error) {
	query := `
		SELECT id, module_id, version, source, status, path, code, reason, duration_ms, recorded_at
		FROM install_records
		WHERE module_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	rec, err := scanInstallRecord(s.db.QueryRowContext(ctx, query, moduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("install record for %s: %w", moduleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstallRecord(row rowScanner) (*InstallRecord, error) {
	rec := &InstallRecord{}
	var durationMS int64
	err := row.Scan(
		&rec.ID,
		&rec.ModuleID,
		&rec.Version,
		&rec.Source,
		&rec.Status,
		&rec.Path,
		&rec.Code,
		&rec.Reason,
		&durationMS,
		&rec.RecordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan install record: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// AppendEvent appends an event to the journal. Appending an event ID that
// is already journaled is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// Stored timestamps compare as text, so they share one zone.
	event.Timestamp = event.Timestamp.UTC()

	query := `
		INSERT INTO module_events (event_id, module_id, type, level, source, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.ModuleID,
		event.Type,
		event.Level,
		event.Source,
		event.Message,
		event.Data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event sequence: %w", err)
	}
	event.Seq = seq
	return nil
}

// ListEvents returns journaled events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var since any
	if !q.Since.IsZero() {
		since = q.Since.UTC()
	}

	order := "ASC"
	if q.Tail {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT seq, event_id, module_id, type, level, source, message, data, timestamp
		FROM (
			SELECT seq, event_id, module_id, type, level, source, message, data, timestamp
			FROM module_events
			WHERE (? = '' OR module_id = ?)
			  AND (? = '' OR type = ?)
			  AND (? = '' OR level = ?)
			  AND (? IS NULL OR timestamp >= ?)
			ORDER BY seq %s
			LIMIT ? OFFSET ?
		)
		ORDER BY seq ASC
	`, order)

	rows, err := s.db.QueryContext(ctx, query,
		q.ModuleID, q.ModuleID,
		q.Type, q.Type,
		q.Level, q.Level,
		since, since,
		q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.Seq,
			&event.EventID,
			&event.ModuleID,
			&event.Type,
			&event.Level,
			&event.Source,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneEvents deletes events older than before and returns how many were
// removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM module_events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
