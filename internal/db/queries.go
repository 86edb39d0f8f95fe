package db

import (
	"database/sql"
	"fmt"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	RunID     string
	Pipeline  string
	Event     string
	Stage     string
	Detail    string
	Timestamp string
}

// StageRun represents a row in the stage_runs table.
type StageRun struct {
	ID          int
	RunID       string
	Stage       string
	Kind        string
	Fingerprint string
	Status      string
	CacheHit    bool
	Workers     int
	Steps       int
	BestMetric  *float64
	DurationMs  int
	Error       string
	Timestamp   string
}

// CheckpointSave represents a row in the checkpoint_saves table.
type CheckpointSave struct {
	ID        int
	RunID     string
	Stage     string
	Step      int
	SaveCount int
	Path      string
	Timestamp string
}

// LogPipelineEvent inserts a pipeline lifecycle event.
func (d *DB) LogPipelineEvent(runID, pipeline, event, stage, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (run_id, pipeline, event, stage, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, pipeline, event, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetRunHistory returns all pipeline events for a run, newest first.
func (d *DB) GetRunHistory(runID string) ([]PipelineEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, pipeline, event, stage, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Pipeline, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastRunEvent returns the most recent event for a run, or nil if the
// run has no events.
func (d *DB) GetLastRunEvent(runID string) (*PipelineEvent, error) {
	row := d.conn.QueryRow(
		`SELECT id, run_id, pipeline, event, stage, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		runID,
	)
	var e PipelineEvent
	var stage, detail sql.NullString
	err := row.Scan(&e.ID, &e.RunID, &e.Pipeline, &e.Event, &stage, &detail, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last run event: %w", err)
	}
	e.Stage = stage.String
	e.Detail = detail.String
	return &e, nil
}

// LogStageRun records the outcome of one stage execution.
func (d *DB) LogStageRun(r StageRun) error {
	var metric interface{}
	if r.BestMetric != nil {
		metric = *r.BestMetric
	}
	_, err := d.conn.Exec(
		`INSERT INTO stage_runs (run_id, stage, kind, fingerprint, status, cache_hit, workers, steps, best_metric, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Stage, r.Kind, r.Fingerprint, r.Status, r.CacheHit, r.Workers, r.Steps, metric, r.DurationMs, r.Error,
	)
	if err != nil {
		return fmt.Errorf("log stage run: %w", err)
	}
	return nil
}

// GetStageRuns returns stage outcomes for a run in execution order.
func (d *DB) GetStageRuns(runID string) ([]StageRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, kind, fingerprint, status, cache_hit, workers, steps, best_metric, duration_ms, error, timestamp
		 FROM stage_runs WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage runs: %w", err)
	}
	defer rows.Close()
	return scanStageRuns(rows)
}

// GetStageRunsByFingerprint returns every recorded execution of the
// given artifact fingerprint across all runs, newest first.
func (d *DB) GetStageRunsByFingerprint(fingerprint string) ([]StageRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, kind, fingerprint, status, cache_hit, workers, steps, best_metric, duration_ms, error, timestamp
		 FROM stage_runs WHERE fingerprint = ? ORDER BY id DESC`,
		fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage runs by fingerprint: %w", err)
	}
	defer rows.Close()
	return scanStageRuns(rows)
}

func scanStageRuns(rows *sql.Rows) ([]StageRun, error) {
	var runs []StageRun
	for rows.Next() {
		var r StageRun
		var metric sql.NullFloat64
		var duration sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &r.Kind, &r.Fingerprint, &r.Status, &r.CacheHit,
			&r.Workers, &r.Steps, &metric, &duration, &errMsg, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		if metric.Valid {
			v := metric.Float64
			r.BestMetric = &v
		}
		r.DurationMs = int(duration.Int64)
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LogCheckpointSave records a committed checkpoint.
func (d *DB) LogCheckpointSave(runID, stage string, step, saveCount int, path string) error {
	_, err := d.conn.Exec(
		`INSERT INTO checkpoint_saves (run_id, stage, step, save_count, path) VALUES (?, ?, ?, ?, ?)`,
		runID, stage, step, saveCount, path,
	)
	if err != nil {
		return fmt.Errorf("log checkpoint save: %w", err)
	}
	return nil
}

// GetLatestCheckpointSave returns the highest-step checkpoint recorded
// for a run and stage, or nil if none.
func (d *DB) GetLatestCheckpointSave(runID, stage string) (*CheckpointSave, error) {
	row := d.conn.QueryRow(
		`SELECT id, run_id, stage, step, save_count, path, timestamp
		 FROM checkpoint_saves WHERE run_id = ? AND stage = ? ORDER BY step DESC, id DESC LIMIT 1`,
		runID, stage,
	)
	var s CheckpointSave
	err := row.Scan(&s.ID, &s.RunID, &s.Stage, &s.Step, &s.SaveCount, &s.Path, &s.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint save: %w", err)
	}
	return &s, nil
}

// ListRuns returns the distinct run IDs seen in the event log, newest
// first, capped at limit (0 means no cap).
func (d *DB) ListRuns(limit int) ([]string, error) {
	q := `SELECT run_id FROM pipeline_events GROUP BY run_id ORDER BY MAX(id) DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
