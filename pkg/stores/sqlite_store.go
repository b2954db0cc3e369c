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
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "report-store").Str("path", cfg.Path).Logger(),
	}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
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

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug().Uint("version", version).Bool("dirty", dirty).Msg("Schema migrated")
	}
	return nil
}

// SaveReport archives a finished report with its unit results in one
// transaction. Saving the same run twice replaces it.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.ExecutionReport, reverse bool) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, scope, reverse, outcome, total, completed, failed, skipped,
			success_rate, layers, aborted, aborted_by, started_at, finished_at, duration_ms, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.PlanID,
		report.Scope,
		reverse,
		string(report.Outcome()),
		report.Total,
		report.Completed,
		report.Failed,
		report.Skipped,
		report.SuccessRate,
		report.Layers,
		report.Aborted,
		nullString(report.AbortedBy),
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.Duration.Milliseconds(),
		string(blob),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO unit_results (run_id, unit_id, layer, priority, status, attempts, exit_code, timed_out, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare unit insert: %w", err)
	}
	defer stmt.Close()

	for i := range report.Units {
		u := &report.Units[i]
		if _, err := stmt.ExecContext(ctx,
			report.RunID,
			u.ID,
			u.Layer,
			u.Priority.String(),
			string(u.Status),
			u.Attempts,
			u.ExitCode,
			u.TimedOut,
			u.Duration.Milliseconds(),
			nullString(u.Error),
		); err != nil {
			return fmt.Errorf("failed to insert unit %s: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	s.logger.Debug().
		Str("run_id", report.RunID).
		Int("units", len(report.Units)).
		Msg("Report archived")
	return nil
}

// GetReport returns the full archived report of a run.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*engine.ExecutionReport, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report engine.ExecutionReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

const runColumns = `id, plan_id, scope, reverse, outcome, total, completed, failed, skipped,
	success_rate, layers, aborted, aborted_by, started_at, finished_at, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var outcome string
	var durationMs int64
	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Scope,
		&run.Reverse,
		&outcome,
		&run.Total,
		&run.Completed,
		&run.Failed,
		&run.Skipped,
		&run.SuccessRate,
		&run.Layers,
		&run.Aborted,
		&run.AbortedBy,
		&run.StartedAt,
		&run.FinishedAt,
		&durationMs,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Outcome = engine.RunOutcome(outcome)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return run, nil
}

// GetRun returns the summary row of a run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, opts.Scope)
	}
	if opts.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, opts.Since.UTC())
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
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

const unitColumns = `run_id, unit_id, layer, priority, status, attempts, exit_code, timed_out, duration_ms, error`

func (s *SQLiteStore) queryUnits(ctx context.Context, query string, args ...any) ([]*UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	var units []*UnitRecord
	for rows.Next() {
		u := &UnitRecord{}
		var status string
		var durationMs int64
		if err := rows.Scan(
			&u.RunID,
			&u.UnitID,
			&u.Layer,
			&u.Priority,
			&status,
			&u.Attempts,
			&u.ExitCode,
			&u.TimedOut,
			&durationMs,
			&u.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		u.Status = engine.UnitStatus(status)
		u.Duration = time.Duration(durationMs) * time.Millisecond
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit results: %w", err)
	}
	return units, nil
}

// ListUnitResults returns a run's unit results in layer order.
func (s *SQLiteStore) ListUnitResults(ctx context.Context, runID string) ([]*UnitRecord, error) {
	return s.queryUnits(ctx,
		`SELECT `+unitColumns+` FROM unit_results WHERE run_id = ? ORDER BY layer, rowid`, runID)
}

// UnitHistory returns a unit's most recent results across runs.
func (s *SQLiteStore) UnitHistory(ctx context.Context, unitID string, limit int) ([]*UnitRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryUnits(ctx, `
		SELECT u.run_id, u.unit_id, u.layer, u.priority, u.status, u.attempts, u.exit_code, u.timed_out, u.duration_ms, u.error
		FROM unit_results u JOIN runs r ON r.id = u.run_id
		WHERE u.unit_id = ?
		ORDER BY r.started_at DESC
		LIMIT ?
	`, unitID, limit)
}

// DeleteRun removes a run, its unit results and its events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return tx.Commit()
}

// PruneBefore deletes runs that started before the cutoff and returns how many were removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// AppendEvent archives an execution event. Duplicate event IDs are ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(b)
		data = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, run_id, unit_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		nullString(event.UnitID),
		string(event.Type),
		event.Level,
		event.Message,
		data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, run_id, unit_id, type, level, message, data, timestamp
		FROM events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var eventType string
		var data *string
		if err := rows.Scan(&e.Seq, &e.ID, &e.RunID, &e.UnitID, &eventType, &e.Level, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(eventType)
		if data != nil {
			if err := json.Unmarshal([]byte(*data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns a callback that archives every event it receives.
// Failures are logged; events are never retried.
func (s *SQLiteStore) EventSubscriber(ctx context.Context) func(engine.Event) {
	return func(e engine.Event) {
		if err := s.AppendEvent(ctx, &e); err != nil {
			s.logger.Warn().Err(err).Str("event_id", e.ID).Msg("Failed to archive event")
		}
	}
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
