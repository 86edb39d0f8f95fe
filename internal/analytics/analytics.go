// Package analytics aggregates the SQLite event log into per-stage and
// per-pipeline summaries for the CLI.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile wall-clock
// durations per stage across completed stage runs.
func QueryStageDurations(database DB, pipelineName string) ([]StageDuration, error) {
	query := `
		SELECT sr.stage, sr.duration_ms
		FROM stage_runs sr
		WHERE sr.status = 'completed' AND sr.duration_ms IS NOT NULL`

	args := []interface{}{}
	if pipelineName != "" {
		query += ` AND sr.run_id IN (SELECT DISTINCT run_id FROM pipeline_events WHERE pipeline = ?)`
		args = append(args, pipelineName)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms)/1000.0)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// CacheEffectiveness holds cache hit stats per stage.
type CacheEffectiveness struct {
	Stage    string  `json:"stage"`
	Total    int     `json:"total"`
	Skipped  float64 `json:"skipped_pct"`
	Executed float64 `json:"executed_pct"`
	Failed   float64 `json:"failed_pct"`
}

// QueryCacheEffectiveness returns, per stage, how often the artifact
// cache made execution unnecessary.
func QueryCacheEffectiveness(database DB, pipelineName string) ([]CacheEffectiveness, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN event = 'stage_skipped' THEN 1 ELSE 0 END) as skipped,
			SUM(CASE WHEN event = 'stage_completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN event = 'stage_failed' THEN 1 ELSE 0 END) as failed
		FROM pipeline_events
		WHERE event IN ('stage_skipped', 'stage_completed', 'stage_failed')
		AND stage != ''`

	args := []interface{}{}
	if pipelineName != "" {
		query += ` AND pipeline = ?`
		args = append(args, pipelineName)
	}
	query += ` GROUP BY stage`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cache effectiveness: %w", err)
	}
	defer rows.Close()

	var results []CacheEffectiveness
	for rows.Next() {
		var stage string
		var total, skipped, completed, failed int
		if err := rows.Scan(&stage, &total, &skipped, &completed, &failed); err != nil {
			return nil, fmt.Errorf("scan cache effectiveness: %w", err)
		}
		results = append(results, CacheEffectiveness{
			Stage:    stage,
			Total:    total,
			Skipped:  pct(skipped, total),
			Executed: pct(completed, total),
			Failed:   pct(failed, total),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// TrainingSummary holds best-metric stats for a train stage.
type TrainingSummary struct {
	Stage      string  `json:"stage"`
	Runs       int     `json:"runs"`
	TotalSteps int     `json:"total_steps"`
	BestMetric float64 `json:"best_metric"`
	AvgWorkers float64 `json:"avg_workers"`
}

// QueryTrainingSummaries returns aggregate training stats per train
// stage: total steps spent, best metric ever reached, mean parallelism.
func QueryTrainingSummaries(database DB, pipelineName string) ([]TrainingSummary, error) {
	query := `
		SELECT stage,
			COUNT(*) as runs,
			SUM(steps) as total_steps,
			MIN(best_metric) as best_metric,
			AVG(workers) as avg_workers
		FROM stage_runs
		WHERE kind = 'train' AND status = 'completed'`

	args := []interface{}{}
	if pipelineName != "" {
		query += ` AND run_id IN (SELECT DISTINCT run_id FROM pipeline_events WHERE pipeline = ?)`
		args = append(args, pipelineName)
	}
	query += ` GROUP BY stage ORDER BY stage`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query training summaries: %w", err)
	}
	defer rows.Close()

	var results []TrainingSummary
	for rows.Next() {
		var ts TrainingSummary
		var best sql.NullFloat64
		var avgWorkers sql.NullFloat64
		if err := rows.Scan(&ts.Stage, &ts.Runs, &ts.TotalSteps, &best, &avgWorkers); err != nil {
			return nil, fmt.Errorf("scan training summary: %w", err)
		}
		if best.Valid {
			ts.BestMetric = best.Float64
		}
		if avgWorkers.Valid {
			ts.AvgWorkers = math.Round(avgWorkers.Float64*10) / 10
		}
		results = append(results, ts)
	}
	return results, rows.Err()
}

// PipelineThroughput holds run outcomes for a time period.
type PipelineThroughput struct {
	Period    string `json:"period"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// QueryPipelineThroughput returns run outcomes grouped by day.
func QueryPipelineThroughput(database DB, pipelineName string) ([]PipelineThroughput, error) {
	query := `
		SELECT
			strftime('%Y-%m-%d', timestamp) as period,
			SUM(CASE WHEN event = 'started' THEN 1 ELSE 0 END) as started,
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN event = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN event = 'cancelled' THEN 1 ELSE 0 END) as cancelled
		FROM pipeline_events
		WHERE event IN ('started', 'completed', 'failed', 'cancelled')`

	args := []interface{}{}
	if pipelineName != "" {
		query += ` AND pipeline = ?`
		args = append(args, pipelineName)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 14`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline throughput: %w", err)
	}
	defer rows.Close()

	var results []PipelineThroughput
	for rows.Next() {
		var pt PipelineThroughput
		if err := rows.Scan(&pt.Period, &pt.Started, &pt.Completed, &pt.Failed, &pt.Cancelled); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		results = append(results, pt)
	}
	return results, rows.Err()
}

// RunEvent holds a single event for the run-detail timeline.
type RunEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunDetail returns the full timeline for a run: lifecycle events,
// stage outcomes, and checkpoint saves merged in time order.
func QueryRunDetail(database DB, runID string) ([]RunEvent, error) {
	var results []RunEvent

	peRows, err := database.Conn().Query(
		`SELECT timestamp, event, stage, detail
		 FROM pipeline_events WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer peRows.Close()

	for peRows.Next() {
		var e RunEvent
		var stage, detail sql.NullString
		if err := peRows.Scan(&e.Timestamp, &e.Event, &stage, &detail); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Type = "pipeline"
		e.Stage = stage.String
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := peRows.Err(); err != nil {
		return nil, err
	}

	srRows, err := database.Conn().Query(
		`SELECT timestamp, stage, kind, status, steps, duration_ms, error
		 FROM stage_runs WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage runs: %w", err)
	}
	defer srRows.Close()

	for srRows.Next() {
		var ts, stage, kind, status string
		var steps int
		var durationMs sql.NullInt64
		var errMsg sql.NullString
		if err := srRows.Scan(&ts, &stage, &kind, &status, &steps, &durationMs, &errMsg); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		detail := fmt.Sprintf("%s: %s (%d steps, %dms)", kind, status, steps, durationMs.Int64)
		if errMsg.String != "" {
			detail += ": " + errMsg.String
		}
		results = append(results, RunEvent{
			Timestamp: ts, Type: "stage", Event: status, Stage: stage, Detail: detail,
		})
	}
	if err := srRows.Err(); err != nil {
		return nil, err
	}

	csRows, err := database.Conn().Query(
		`SELECT timestamp, stage, step, save_count
		 FROM checkpoint_saves WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint saves: %w", err)
	}
	defer csRows.Close()

	for csRows.Next() {
		var ts, stage string
		var step, saveCount int
		if err := csRows.Scan(&ts, &stage, &step, &saveCount); err != nil {
			return nil, fmt.Errorf("scan checkpoint save: %w", err)
		}
		results = append(results, RunEvent{
			Timestamp: ts, Type: "checkpoint", Event: "saved", Stage: stage,
			Detail: fmt.Sprintf("step %d (save #%d)", step, saveCount),
		})
	}
	if err := csRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
