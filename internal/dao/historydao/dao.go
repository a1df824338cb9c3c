package historydao

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/savaki/run-deployer/internal/errors"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 20

// RunStatus represents the overall outcome of a pipeline run
type RunStatus string

const (
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailed     RunStatus = "FAILED"
)

// Record represents one pipeline run
type Record struct {
	ID         string    // KSUID
	Project    string    // GCP project id
	Service    string    // Cloud Run service name
	Region     string    // Cloud Run region
	Image      string    // image reference pushed and deployed
	Digest     string    // manifest digest, empty until resolved
	State      string    // last pipeline state reached
	Status     RunStatus // overall outcome
	ErrorMsg   *string
	CreatedAt  int64  // Unix epoch timestamp of creation
	UpdatedAt  int64  // Unix epoch timestamp of last update
	FinishedAt *int64 // Unix epoch timestamp of completion
}

// Transition is a single state change within a run
type Transition struct {
	RunID string
	State string
	At    int64 // Unix epoch timestamp in nanoseconds
}

// CreateInput contains the fields needed to create a new run record
type CreateInput struct {
	ID      string // KSUID
	Project string
	Service string
	Region  string
	Image   string
	State   string // initial pipeline state
}

// UpdateInput contains the fields that can be updated on a run record
type UpdateInput struct {
	ID       string
	State    *string    // new pipeline state, also appended to the transitions
	Status   *RunStatus // new outcome; SUCCESS and FAILED set FinishedAt
	Digest   *string
	ErrorMsg *string
}

// DAO provides data access operations for run records
type DAO struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the history database at path
func New(ctx context.Context, path string) (*DAO, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DAO{db: db, path: path}
	if err := d.initSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Path returns the database file location
func (d *DAO) Path() string {
	return d.path
}

func (d *DAO) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DAO) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  project TEXT NOT NULL,
  service TEXT NOT NULL,
  region TEXT NOT NULL,
  image TEXT NOT NULL,
  digest TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  status TEXT NOT NULL,
  error_msg TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  finished_at INTEGER
);`,
		`
CREATE TABLE IF NOT EXISTS transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  state TEXT NOT NULL,
  at_ns INTEGER NOT NULL,
  FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS runs_service_created ON runs(service, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

// Create creates a new run record with status IN_PROGRESS and records its initial state
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	now := time.Now()
	record := Record{
		ID:        input.ID,
		Project:   input.Project,
		Service:   input.Service,
		Region:    input.Region,
		Image:     input.Image,
		State:     input.State,
		Status:    RunStatusInProgress,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create run record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, project, service, region, image, state, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Project, record.Service, record.Region, record.Image,
		record.State, string(record.Status), record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create run record: %w", err)
	}
	if err := insertTransition(ctx, tx, record.ID, record.State, now); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to create run record: %w", err)
	}

	return record, nil
}

// Update applies the non-nil fields of input to the run record
func (d *DAO) Update(ctx context.Context, input UpdateInput) error {
	now := time.Now()
	sets := []string{"updated_at = ?"}
	args := []any{now.Unix()}

	if input.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *input.State)
	}
	if input.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*input.Status))
		if *input.Status == RunStatusSuccess || *input.Status == RunStatusFailed {
			sets = append(sets, "finished_at = ?")
			args = append(args, now.Unix())
		}
	}
	if input.Digest != nil {
		sets = append(sets, "digest = ?")
		args = append(args, *input.Digest)
	}
	if input.ErrorMsg != nil {
		sets = append(sets, "error_msg = ?")
		args = append(args, *input.ErrorMsg)
	}
	args = append(args, input.ID)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrRunNotFound, input.ID)
	}
	if input.State != nil {
		if err := insertTransition(ctx, tx, input.ID, *input.State, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// Find retrieves a run record by id
func (d *DAO) Find(ctx context.Context, id string) (Record, error) {
	row := d.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrRunNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find run record: %w", err)
	}
	return record, nil
}

// List returns the most recent runs first. An empty service lists runs for every service.
func (d *DAO) List(ctx context.Context, service string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectRuns
	var args []any
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list run records: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Transitions returns the state changes of a run in the order they happened
func (d *DAO) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, state, at_ns FROM transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.RunID, &t.State, &t.At); err != nil {
			return nil, fmt.Errorf("failed to list transitions: %w", err)
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

const selectRuns = `SELECT id, project, service, region, image, digest, state, status, error_msg, created_at, updated_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record     Record
		status     string
		errorMsg   sql.NullString
		finishedAt sql.NullInt64
	)
	err := s.Scan(
		&record.ID, &record.Project, &record.Service, &record.Region, &record.Image,
		&record.Digest, &record.State, &status, &errorMsg,
		&record.CreatedAt, &record.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return Record{}, err
	}
	record.Status = RunStatus(status)
	if errorMsg.Valid {
		record.ErrorMsg = &errorMsg.String
	}
	if finishedAt.Valid {
		record.FinishedAt = &finishedAt.Int64
	}
	return record, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, runID, state string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, state, at_ns) VALUES (?, ?, ?)`,
		runID, state, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}
