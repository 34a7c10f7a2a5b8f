// Package history keeps a SQLite record of autopilot runs and their
// iterations for the status command.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run is one invocation of the autopilot loop.
type Run struct {
	ID         string
	SessionID  string
	Project    string
	Task       string
	Outcome    string // empty while running
	Iterations int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Iteration is one recorded agent invocation.
type Iteration struct {
	RunID        string
	Number       int
	ExitCode     int
	HasError     bool
	TimedOut     bool
	IsComplete   bool
	Confidence   float64
	QualityScore float64
	Reason       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
	RecordedAt   time.Time
}

// Store provides SQLite-backed persistence for run history.
type Store struct {
	db *sql.DB
}

// DBPath returns the history database location inside a project's
// .autopilot directory.
func DBPath(autopilotDir string) string {
	return filepath.Join(autopilotDir, "history.db")
}

// NewStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers; sqlite3 rejects concurrent ones.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project TEXT NOT NULL,
		task TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		has_error INTEGER NOT NULL,
		timed_out INTEGER NOT NULL,
		is_complete INTEGER NOT NULL,
		confidence REAL NOT NULL,
		quality_score REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// StartRun inserts a new in-progress run and returns its id.
func (s *Store) StartRun(sessionID, project, task string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, session_id, project, task, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, project, task, startedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AddIteration records one iteration and bumps the run's counter.
func (s *Store) AddIteration(it Iteration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if it.RecordedAt.IsZero() {
		it.RecordedAt = time.Now()
	}
	_, err = tx.Exec(
		`INSERT INTO iterations (run_id, number, exit_code, has_error, timed_out, is_complete,
			confidence, quality_score, reason, input_tokens, output_tokens, cost_usd, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.RunID, it.Number, it.ExitCode, it.HasError, it.TimedOut, it.IsComplete,
		it.Confidence, it.QualityScore, it.Reason, it.InputTokens, it.OutputTokens, it.CostUSD, it.DurationMS,
		it.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}

	if _, err := tx.Exec(`UPDATE runs SET iterations = ? WHERE id = ? AND iterations < ?`, it.Number, it.RunID, it.Number); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// FinishRun stores the run's outcome.
func (s *Store) FinishRun(runID, outcome, errText string, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE runs SET outcome = ?, error = ?, finished_at = ? WHERE id = ?`,
		outcome, errText, finishedAt.UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil, nil if it does not exist.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, project, task, outcome, iterations, error, started_at, finished_at
		 FROM runs WHERE id = ?`,
		id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// RecentRuns returns up to limit runs, newest first. project filters when
// non-empty.
func (s *Store) RecentRuns(project string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, project, task, outcome, iterations, error, started_at, finished_at
		 FROM runs WHERE ? = '' OR project = ?
		 ORDER BY started_at DESC LIMIT ?`,
		project, project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Iterations returns a run's iterations in order.
func (s *Store) Iterations(runID string) ([]Iteration, error) {
	rows, err := s.db.Query(
		`SELECT run_id, number, exit_code, has_error, timed_out, is_complete, confidence, quality_score,
			reason, input_tokens, output_tokens, cost_usd, duration_ms, recorded_at
		 FROM iterations WHERE run_id = ? ORDER BY number, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	its := []Iteration{}
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.RunID, &it.Number, &it.ExitCode, &it.HasError, &it.TimedOut, &it.IsComplete,
			&it.Confidence, &it.QualityScore, &it.Reason, &it.InputTokens, &it.OutputTokens, &it.CostUSD,
			&it.DurationMS, &it.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		its = append(its, it)
	}
	return its, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.SessionID, &r.Project, &r.Task, &r.Outcome, &r.Iterations, &r.Error,
		&r.StartedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
