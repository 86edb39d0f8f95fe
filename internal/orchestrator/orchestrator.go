// Package orchestrator drives a pipeline run: stages execute one at a
// time in dependency order, each stage's fingerprint is derived from its
// configuration and its upstream artifacts, and a cache hit skips the
// stage entirely. Parallelism lives inside a stage, never across stages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/waveforge/waveforge/internal/artifact"
	"github.com/waveforge/waveforge/internal/config"
	"github.com/waveforge/waveforge/internal/db"
	"github.com/waveforge/waveforge/internal/launch"
	"github.com/waveforge/waveforge/internal/pipeline"
	"github.com/waveforge/waveforge/internal/stage"
	"github.com/waveforge/waveforge/internal/train"
)

// ErrUpstreamIncomplete means a stage attempted to start before every
// upstream dependency had a completed or cached artifact.
var ErrUpstreamIncomplete = errors.New("upstream artifact incomplete")

// RunContext carries the per-run collaborators and identity explicitly.
// Every component receives it as a value; there is no ambient global
// current-run state.
type RunContext struct {
	RunID string
	Tag   string
	Cache *artifact.Cache
	Store *pipeline.Store
	DB    *db.DB // optional event log; nil disables logging
	Log   *slog.Logger
	Now   func() time.Time
}

// NewRunContext builds a RunContext with a fresh run ID.
func NewRunContext(tag string, cache *artifact.Cache, store *pipeline.Store, database *db.DB, logger *slog.Logger) RunContext {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	runID := uuid.NewString()
	if tag != "" {
		runID = tag + "-" + runID[:8]
	}
	return RunContext{
		RunID: runID,
		Tag:   tag,
		Cache: cache,
		Store: store,
		DB:    database,
		Log:   logger,
		Now:   time.Now,
	}
}

func (rc RunContext) logEvent(pipelineName, event, stageID, detail string) {
	if rc.DB != nil {
		_ = rc.DB.LogPipelineEvent(rc.RunID, pipelineName, event, stageID, detail)
	}
}

// Orchestrator composes pipeline run lifecycle operations.
type Orchestrator struct {
	cfg      *config.PipelineConfig
	runner   *stage.Runner
	detect   func() int // worker detection, read once per stage launch
	progress io.Writer
}

// New creates an Orchestrator for a validated pipeline config.
func New(cfg *config.PipelineConfig, runner *stage.Runner) *Orchestrator {
	return &Orchestrator{cfg: cfg, runner: runner, detect: launch.DetectWorkers}
}

// SetProgress sets a writer for live progress output.
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// SetDetect overrides worker detection.
func (o *Orchestrator) SetDetect(fn func() int) {
	o.detect = fn
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, format+"\n", args...)
	}
}

// RunOpts selects what a pipeline run executes.
type RunOpts struct {
	// FromStage starts execution at the named stage; earlier stages must
	// have cached artifacts. Empty means run from the first stage.
	FromStage string
	// StopStage halts after the named stage completes. Empty means run
	// to the end.
	StopStage string
	// ContinueFrom is an explicit checkpoint directory for the first
	// train stage executed; a fingerprint mismatch there is fatal.
	ContinueFrom string
	// Force invalidates the named stages' cache entries before running,
	// so they re-execute even on an unchanged fingerprint.
	Force map[string]bool
	// ContinueWithCached substitutes a previously cached artifact when a
	// stage's current run fails, instead of halting. Explicit opt-in.
	ContinueWithCached bool
}

// StageReport is the per-stage outcome of a run.
type StageReport struct {
	Stage       string               `json:"stage"`
	Kind        string               `json:"kind"`
	Status      string               `json:"status"` // "completed", "skipped", "failed"
	Fingerprint artifact.Fingerprint `json:"fingerprint"`
	CacheHit    bool                 `json:"cache_hit"`
	Steps       int                  `json:"steps,omitempty"`
	BestMetric  float64              `json:"best_metric,omitempty"`
	Workers     int                  `json:"workers,omitempty"`
	Duration    time.Duration        `json:"duration,omitempty"`
	// ErrorKind and LastCheckpoint are set on failure so the user can
	// fix the cause and resume without recomputing upstream stages.
	ErrorKind      string `json:"error_kind,omitempty"`
	Error          string `json:"error,omitempty"`
	LastCheckpoint string `json:"last_checkpoint,omitempty"`
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID   string        `json:"run_id"`
	Status  string        `json:"status"` // "completed", "failed", "cancelled"
	Reports []StageReport `json:"reports"`
}

// Run executes the pipeline within rc. Stages run strictly in
// dependency order; the default policy halts on the first failure.
func (o *Orchestrator) Run(ctx context.Context, rc RunContext, opts RunOpts) (*RunResult, error) {
	order, err := topoOrder(o.cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	first, last, err := stageRange(order, opts.FromStage, opts.StopStage)
	if err != nil {
		return nil, err
	}

	seed := make(map[string]*pipeline.StageState, len(order))
	for _, s := range order {
		seed[s.ID] = &pipeline.StageState{Kind: s.Kind, Status: "pending"}
	}
	if _, err := rc.Store.Create(rc.RunID, o.cfg.Pipeline.Name, o.cfg.Pipeline.ExpDir, seed); err != nil {
		return nil, err
	}
	rc.logEvent(o.cfg.Pipeline.Name, "started", "", rc.Tag)
	_ = rc.Store.Update(rc.RunID, func(rs *pipeline.RunState) { rs.Status = "in_progress" })

	result := &RunResult{RunID: rc.RunID, Status: "completed"}
	arts := make(map[string]*artifact.Artifact, len(order))
	continueFrom := opts.ContinueFrom

	for i, s := range order {
		if i > last {
			break
		}

		upstream, err := o.upstreamArtifacts(s, arts)
		if err != nil {
			report := StageReport{Stage: s.ID, Kind: s.Kind, Status: "failed", ErrorKind: errorKind(err), Error: err.Error()}
			result.Reports = append(result.Reports, report)
			o.finishRun(rc, result, "failed", s.ID, err)
			return result, err
		}

		fp, err := artifact.Compute(s.Kind, s.Params, upstreamFingerprints(upstream))
		if err != nil {
			return nil, fmt.Errorf("stage %q: fingerprint: %w", s.ID, err)
		}

		if opts.Force[s.ID] {
			if err := rc.Cache.Invalidate(fp); err != nil && !errors.Is(err, artifact.ErrNotFound) {
				return nil, fmt.Errorf("stage %q: invalidate: %w", s.ID, err)
			}
			o.logf("stage %q: cache entry invalidated (forced)", s.ID)
		}

		var report StageReport
		if i < first {
			// Outside the selected range: the artifact must already be
			// cached, there is nothing to execute.
			report, err = o.requireCached(rc, s, fp)
		} else {
			o.markRunning(rc, s)
			report, err = o.runStage(ctx, rc, s, fp, upstream, &continueFrom, opts)
		}
		result.Reports = append(result.Reports, report)
		o.recordStage(rc, s, report)

		if err != nil {
			if opts.ContinueWithCached {
				if sub := o.substituteCached(rc, s, &result.Reports[len(result.Reports)-1]); sub != nil {
					arts[s.ID] = sub
					continue
				}
			}
			status := "failed"
			if errors.Is(err, train.ErrCancelled) || errors.Is(err, context.Canceled) {
				status = "cancelled"
			}
			o.finishRun(rc, result, status, s.ID, err)
			return result, err
		}
		arts[s.ID] = artifactForReport(rc, report)
	}

	o.finishRun(rc, result, "completed", "", nil)
	return result, nil
}

// upstreamArtifacts collects a stage's dependencies in declared order.
func (o *Orchestrator) upstreamArtifacts(s config.Stage, arts map[string]*artifact.Artifact) ([]artifact.Artifact, error) {
	ups := make([]artifact.Artifact, 0, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		art, ok := arts[dep]
		if !ok || art == nil {
			return nil, fmt.Errorf("stage %q: dependency %q: %w", s.ID, dep, ErrUpstreamIncomplete)
		}
		ups = append(ups, *art)
	}
	return ups, nil
}

// requireCached resolves a stage outside the selected run range from the
// cache alone.
func (o *Orchestrator) requireCached(rc RunContext, s config.Stage, fp artifact.Fingerprint) (StageReport, error) {
	_, err := rc.Cache.LookupKind(fp, artifact.Kind(s.Outputs[0]))
	if err != nil {
		err = fmt.Errorf("stage %q: before selected range and not cached: %w: %v", s.ID, ErrUpstreamIncomplete, err)
		return StageReport{Stage: s.ID, Kind: s.Kind, Status: "failed", Fingerprint: fp,
			ErrorKind: errorKind(err), Error: err.Error()}, err
	}
	o.logf("stage %q: cached (%s)", s.ID, fp.Short())
	return StageReport{Stage: s.ID, Kind: s.Kind, Status: "skipped", Fingerprint: fp, CacheHit: true}, nil
}

// runStage executes one stage: cache lookup, then a full run and
// registration on a miss.
func (o *Orchestrator) runStage(ctx context.Context, rc RunContext, s config.Stage, fp artifact.Fingerprint,
	upstream []artifact.Artifact, continueFrom *string, opts RunOpts) (StageReport, error) {

	report := StageReport{Stage: s.ID, Kind: s.Kind, Fingerprint: fp}
	runDir := rc.Store.StageRunDir(rc.RunID, s.ID)

	if _, err := rc.Cache.LookupKind(fp, artifact.Kind(s.Outputs[0])); err == nil {
		o.logf("stage %q: skipped, cache hit (%s)", s.ID, fp.Short())
		rc.logEvent(o.cfg.Pipeline.Name, "stage_skipped", s.ID, string(fp))
		report.Status = "skipped"
		report.CacheHit = true
		return report, nil
	} else if !errors.Is(err, artifact.ErrNotFound) {
		// A cached entry exists but its content contradicts the stage's
		// declared output. Not retried: a configuration defect.
		report.Status = "failed"
		report.ErrorKind = errorKind(err)
		report.Error = err.Error()
		return report, fmt.Errorf("stage %q: %w", s.ID, err)
	}

	plan := launch.Resolve(s.Concurrency, o.detect())
	staging, err := rc.Cache.StagingDir()
	if err != nil {
		report.Status = "failed"
		report.ErrorKind = errorKind(err)
		report.Error = err.Error()
		return report, fmt.Errorf("stage %q: %w", s.ID, err)
	}

	resumeFrom := ""
	if s.Kind == "train" && *continueFrom != "" {
		resumeFrom = *continueFrom
		*continueFrom = "" // applies to the first train stage only
	}

	runOpts := stage.RunOpts{
		Stage:       s,
		Defaults:    o.cfg.Pipeline.Defaults,
		Plan:        plan,
		Fingerprint: fp,
		Upstream:    upstream,
		StagingDir:  staging,
		RunDir:      runDir,
		ResumeFrom:  resumeFrom,
	}
	if rc.DB != nil {
		runOpts.OnCheckpointSave = func(state train.TrainingState) {
			_ = rc.DB.LogCheckpointSave(rc.RunID, s.ID, state.Step, state.SaveCount, runDir)
		}
	}

	rc.logEvent(o.cfg.Pipeline.Name, "stage_started", s.ID, string(fp))
	res, err := o.runner.Run(ctx, runOpts)
	if err != nil {
		report.Status = "failed"
		report.ErrorKind = errorKind(err)
		report.Error = err.Error()
		report.LastCheckpoint = train.LatestCheckpointPath(runDir)
		rc.logEvent(o.cfg.Pipeline.Name, "stage_failed", s.ID, report.ErrorKind)
		if rc.DB != nil {
			_ = rc.DB.LogStageRun(db.StageRun{
				RunID: rc.RunID, Stage: s.ID, Kind: s.Kind, Fingerprint: string(fp),
				Status: "failed", Workers: plan.WorkerCount, Error: err.Error(),
			})
		}
		return report, fmt.Errorf("stage %q: %w", s.ID, err)
	}

	// Differing content at an occupied fingerprint (ErrConflict) means
	// an interrupted or corrupt prior write; surface it rather than
	// silently replacing.
	if _, err := rc.Cache.Register(res.Artifact, staging); err != nil {
		report.Status = "failed"
		report.ErrorKind = errorKind(err)
		report.Error = err.Error()
		return report, fmt.Errorf("stage %q: register artifact: %w", s.ID, err)
	}

	report.Status = "completed"
	report.Steps = res.Steps
	report.BestMetric = res.BestMetric
	report.Workers = res.Workers
	report.Duration = res.Duration
	rc.logEvent(o.cfg.Pipeline.Name, "stage_completed", s.ID, string(fp))
	if rc.DB != nil {
		_ = rc.DB.LogStageRun(db.StageRun{
			RunID: rc.RunID, Stage: s.ID, Kind: s.Kind, Fingerprint: string(fp),
			Status: "completed", Workers: res.Workers, Steps: res.Steps,
			BestMetric: &res.BestMetric, DurationMs: int(res.Duration.Milliseconds()),
		})
	}
	return report, nil
}

// substituteCached implements the explicit continue-with-cached policy:
// a prior artifact of the failed stage stands in so downstream stages
// can still run.
func (o *Orchestrator) substituteCached(rc RunContext, s config.Stage, report *StageReport) *artifact.Artifact {
	art, err := rc.Cache.FindStage(s.ID)
	if err != nil {
		return nil
	}
	o.logf("stage %q: failed, continuing with cached artifact %s", s.ID, art.Fingerprint.Short())
	rc.logEvent(o.cfg.Pipeline.Name, "stage_skipped", s.ID, "substituted cached artifact after failure")
	report.CacheHit = true
	return art
}

// artifactForReport resolves the registered artifact backing a report.
func artifactForReport(rc RunContext, report StageReport) *artifact.Artifact {
	art, err := rc.Cache.Lookup(report.Fingerprint)
	if err != nil {
		return nil
	}
	return art
}

// markRunning persists the running transition before execution starts,
// so status queries see in-flight stages instead of pending ones.
func (o *Orchestrator) markRunning(rc RunContext, s config.Stage) {
	_ = rc.Store.Update(rc.RunID, func(rs *pipeline.RunState) {
		rs.CurrentStage = s.ID
		st := rs.Stages[s.ID]
		if st == nil {
			st = &pipeline.StageState{Kind: s.Kind}
			rs.Stages[s.ID] = st
		}
		st.Status = "running"
	})
}

// recordStage mirrors a stage report into the persistent run state.
func (o *Orchestrator) recordStage(rc RunContext, s config.Stage, report StageReport) {
	_ = rc.Store.Update(rc.RunID, func(rs *pipeline.RunState) {
		rs.CurrentStage = s.ID
		st := rs.Stages[s.ID]
		if st == nil {
			st = &pipeline.StageState{Kind: s.Kind}
			rs.Stages[s.ID] = st
		}
		st.Status = report.Status
		st.Fingerprint = string(report.Fingerprint)
		st.CacheHit = report.CacheHit
		st.Steps = report.Steps
		st.BestMetric = report.BestMetric
		st.Workers = report.Workers
		st.Error = report.Error
		if report.Duration > 0 {
			st.Duration = report.Duration.String()
		}
		if art, err := rc.Cache.Lookup(report.Fingerprint); err == nil {
			st.ArtifactPath = art.Path
		}
	})
}

func (o *Orchestrator) finishRun(rc RunContext, result *RunResult, status, stageID string, err error) {
	result.Status = status
	_ = rc.Store.Update(rc.RunID, func(rs *pipeline.RunState) { rs.Status = status })
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	rc.logEvent(o.cfg.Pipeline.Name, status, stageID, detail)
	o.logf("run %s: %s", rc.RunID, status)
}

func upstreamFingerprints(ups []artifact.Artifact) []artifact.Fingerprint {
	fps := make([]artifact.Fingerprint, 0, len(ups))
	for _, u := range ups {
		fps = append(fps, u.Fingerprint)
	}
	return fps
}

// errorKind maps an error chain onto the reported taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, train.ErrResumeMismatch):
		return "resume_mismatch"
	case errors.Is(err, stage.ErrWorkerDivergence):
		return "worker_divergence"
	case errors.Is(err, train.ErrStorageIO):
		return "storage_io"
	case errors.Is(err, artifact.ErrConflict):
		return "conflict"
	case errors.Is(err, artifact.ErrKindMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrUpstreamIncomplete):
		return "upstream_incomplete"
	case errors.Is(err, train.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "stage_error"
	}
}
