package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Journal records installation runs in a local SQLite database so a bricked
// or half-written device can be diagnosed after the fact. Runs are never
// resumed from the journal.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (and initializes, if needed) the run journal at dbPath.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	journal := &Journal{db: db}
	if err := journal.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return journal, nil
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		skip_build INTEGER NOT NULL DEFAULT 0,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL REFERENCES runs(id),
		stage TEXT NOT NULL,
		best_effort INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device);
	CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CreateRun inserts a new run record in the running state.
func (j *Journal) CreateRun(ctx context.Context, device string, skipBuild bool) (*InstallationRun, error) {
	run := &InstallationRun{
		ID:        ulid.Make().String(),
		Device:    device,
		SkipBuild: skipBuild,
		Stage:     StagePending,
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, device, skip_build, stage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Device, run.SkipBuild, run.Stage, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	return run, nil
}

// SetRunStage updates the stage a run is currently executing.
func (j *Journal) SetRunStage(ctx context.Context, id, stage string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		stage, id)
	if err != nil {
		return fmt.Errorf("failed to update run stage: %w", err)
	}
	return nil
}

// RecordEvent appends a stage result to the run's event log.
func (j *Journal) RecordEvent(ctx context.Context, id string, result StageResult) error {
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, stage, best_effort, error) VALUES (?, ?, ?, ?)`,
		id, result.Stage, result.BestEffort, errText)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (j *Journal) FinishRun(ctx context.Context, id string, runErr error) error {
	status := RunStatusSucceeded
	errText := ""
	if runErr != nil {
		status = RunStatusFailed
		errText = runErr.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, errText, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (j *Journal) GetRun(ctx context.Context, id string) (*InstallationRun, error) {
	var run InstallationRun
	err := j.db.QueryRowContext(ctx,
		`SELECT id, device, skip_build, stage, status, error, created_at, updated_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Device, &run.SkipBuild, &run.Stage, &run.Status,
			&run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// Context keys for dependency injection
type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.New()
}
