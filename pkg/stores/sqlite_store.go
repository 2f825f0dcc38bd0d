package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/straddle/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"synchronous(NORMAL)",
	}
	if !isMemory(s.path) {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	dsn := s.path + sep + "_txlock=immediate"
	for _, p := range pragmas {
		dsn += "&_pragma=" + p
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

// GetState implements engine.StateStore.
func (s *SQLiteStore) GetState(ctx context.Context, deployment string, node engine.NodeID) (*engine.StateRecord, error) {
	query := `
		SELECT deployment, node, target, credential, identifier, attributes, input_hash, updated_at
		FROM state_records
		WHERE deployment = ? AND node = ?
	`

	record, err := scanState(s.db.QueryRowContext(ctx, query, deployment, node.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state for %s: %w", node, err)
	}
	return record, nil
}

// PutState implements engine.StateStore.
func (s *SQLiteStore) PutState(ctx context.Context, record *engine.StateRecord) error {
	if record == nil || record.Node.IsZero() {
		return fmt.Errorf("state record requires a node identity")
	}

	attrs := record.Attributes
	if attrs == nil {
		attrs = engine.Attributes{}
	}
	blob, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes for %s: %w", record.Node, err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO state_records (
			deployment, node, target, credential, identifier, attributes, input_hash, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deployment, node) DO UPDATE SET
			target = excluded.target,
			credential = excluded.credential,
			identifier = excluded.identifier,
			attributes = excluded.attributes,
			input_hash = excluded.input_hash,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.Deployment,
		record.Node.String(),
		record.Target,
		record.Credential,
		record.Identifier,
		string(blob),
		record.InputHash,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put state for %s: %w", record.Node, err)
	}
	return nil
}

// DeleteState implements engine.StateStore.
func (s *SQLiteStore) DeleteState(ctx context.Context, deployment string, node engine.NodeID) error {
	query := `DELETE FROM state_records WHERE deployment = ? AND node = ?`

	if _, err := s.db.ExecContext(ctx, query, deployment, node.String()); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", node, err)
	}
	return nil
}

// ListState implements engine.StateStore.
func (s *SQLiteStore) ListState(ctx context.Context, deployment string) ([]*engine.StateRecord, error) {
	query := `
		SELECT deployment, node, target, credential, identifier, attributes, input_hash, updated_at
		FROM state_records
		WHERE deployment = ?
		ORDER BY node ASC
	`

	rows, err := s.db.QueryContext(ctx, query, deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	records := []*engine.StateRecord{}
	for rows.Next() {
		record, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state records: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*engine.StateRecord, error) {
	var (
		record engine.StateRecord
		node   string
		blob   string
	)
	err := row.Scan(
		&record.Deployment,
		&node,
		&record.Target,
		&record.Credential,
		&record.Identifier,
		&blob,
		&record.InputHash,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if record.Node, err = engine.ParseNodeID(node); err != nil {
		return nil, fmt.Errorf("corrupt node identity %q: %w", node, err)
	}
	if err := json.Unmarshal([]byte(blob), &record.Attributes); err != nil {
		return nil, fmt.Errorf("corrupt attributes for %s: %w", node, err)
	}
	return &record, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, deployment, kind, status, document_path, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	summary := run.Summary
	if summary == "" {
		summary = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Deployment,
		run.Kind,
		run.Status,
		run.DocumentPath,
		summary,
		run.Error,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, deployment, kind, status, document_path, summary, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the terminal status of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status engine.RunStatus, summary string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, summary = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	if summary == "" {
		summary = "{}"
	}

	result, err := s.db.ExecContext(ctx, query, status, summary, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists the runs of a deployment, newest first. An empty
// deployment lists every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, deployment string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, deployment, kind, status, document_path, summary, error, started_at, completed_at
		FROM runs
		WHERE (? = '' OR deployment = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deployment, deployment, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Deployment,
		&run.Kind,
		&run.Status,
		&run.DocumentPath,
		&run.Summary,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, type, node, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Node,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// Publish implements engine.EventPublisher by appending the event to the log.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	stored := &Event{
		EventID:   event.ID,
		RunID:     event.RunID,
		Type:      string(event.Type),
		Node:      event.Node,
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if stored.Level == "" {
		stored.Level = EventLevelInfo
	}
	if len(event.Data) > 0 {
		blob, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data := string(blob)
		stored.Data = &data
	}
	return s.AppendEvent(ctx, stored)
}

// GetEvents retrieves events with optional filters and pagination, in the
// order they were appended.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, node, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Node,
			&event.Level,
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

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
