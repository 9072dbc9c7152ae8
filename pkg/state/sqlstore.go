package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

// SQLStore is a SQLite-backed StateStore for single-node durability
// across process restarts.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if absent) the SQLite database at path
// and bootstraps its schema.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writes

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect state database: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			config_path TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			agent_name TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			attempt INTEGER DEFAULT 0,
			seq INTEGER NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, name),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLStore) InsertRun(ctx context.Context, run *Run) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, config_path, status, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.ConfigPath, string(run.Status), nullString(run.Error),
		formatTime(&run.StartedAt), formatTime(run.CompletedAt), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = now, now
	return nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, id string, patch RunPatch) error {
	current, err := s.getRunRow(ctx, id)
	if err != nil {
		if _, isNotFound := err.(*relayerrors.NotFoundError); isNotFound {
			return nil
		}
		return err
	}
	applyRunPatch(current, patch)

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, error=?, completed_at=?, updated_at=? WHERE id=?`,
		string(current.Status), nullString(current.Error), formatTime(current.CompletedAt),
		current.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.getRunRow(ctx, id)
}

func (s *SQLStore) getRunRow(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, config_path, status, error, started_at, completed_at, created_at, updated_at
		FROM runs WHERE id = ?`, id)

	var run Run
	var configPath, errStr, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&run.ID, &run.WorkflowName, &configPath, &run.Status, &errStr,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &relayerrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.ConfigPath = configPath.String
	run.Error = errStr.String
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &run, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, status RunStatus) ([]*Run, error) {
	query := `SELECT id, workflow_name, config_path, status, error, started_at, completed_at, created_at, updated_at FROM runs`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var run Run
		var configPath, errStr, startedAt, completedAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&run.ID, &run.WorkflowName, &configPath, &run.Status, &errStr,
			&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.ConfigPath = configPath.String
		run.Error = errStr.String
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339, startedAt.String)
			run.StartedAt = t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			run.CompletedAt = &t
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &run)
	}
	return out, nil
}

func (s *SQLStore) InsertStep(ctx context.Context, step *Step) error {
	var seq int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = ?`, step.RunID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, name, agent_name, status, output, error, attempt, seq, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Name, step.AgentName, string(step.Status), step.Output, nullString(step.Error),
		step.Attempt, seq, formatTime(step.StartedAt), formatTime(step.CompletedAt), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	step.UpdatedAt = now
	return nil
}

func (s *SQLStore) UpdateStep(ctx context.Context, runID, name string, patch StepPatch) error {
	steps, err := s.GetStepsByRunID(ctx, runID)
	if err != nil {
		return err
	}
	var current *Step
	for _, step := range steps {
		if step.Name == name {
			current = step
			break
		}
	}
	if current == nil {
		return nil
	}
	applyStepPatch(current, patch)

	_, err = s.db.ExecContext(ctx, `
		UPDATE steps SET status=?, output=?, error=?, attempt=?, started_at=?, completed_at=?, updated_at=?
		WHERE run_id=? AND name=?`,
		string(current.Status), current.Output, nullString(current.Error), current.Attempt,
		formatTime(current.StartedAt), formatTime(current.CompletedAt), current.UpdatedAt.Format(time.RFC3339),
		runID, name,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStepsByRunID(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, agent_name, status, output, error, attempt, started_at, completed_at, updated_at
		FROM steps WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		var step Step
		var agentName, output, errStr, startedAt, completedAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&step.RunID, &step.Name, &agentName, &step.Status, &output, &errStr,
			&step.Attempt, &startedAt, &completedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.AgentName = agentName.String
		step.Output = output.String
		step.Error = errStr.String
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339, startedAt.String)
			step.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			step.CompletedAt = &t
		}
		step.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &step)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
