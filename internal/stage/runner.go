// Package stage executes a single pipeline stage: it fans work out over
// the resolved worker topology, drives the training loop for train
// stages, and assembles the stage's output artifact in a cache staging
// directory. Durable writes always happen on the coordinator rank.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/waveforge/waveforge/internal/artifact"
	"github.com/waveforge/waveforge/internal/config"
	"github.com/waveforge/waveforge/internal/dataio"
	"github.com/waveforge/waveforge/internal/fsutil"
	"github.com/waveforge/waveforge/internal/launch"
	"github.com/waveforge/waveforge/internal/train"
)

// Collaborators are the external implementations a Runner drives.
type Collaborators struct {
	// NewTrainer builds a model-collaborator replica for a worker rank.
	NewTrainer train.TrainerFactory
	// Data reads sample lists and raw features for preprocess stages.
	Data dataio.Reader
}

// Runner executes stage lifecycles.
type Runner struct {
	collab   Collaborators
	log      *slog.Logger
	progress io.Writer // live progress output; nil = silent
}

// NewRunner creates a stage runner. logger may be nil.
func NewRunner(collab Collaborators, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Runner{collab: collab, log: logger}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  -> "+format+"\n", args...)
	}
}

// RunOpts carries everything a stage execution needs. StagingDir is a
// cache staging directory the runner fills with the stage's output;
// RunDir is the durable per-stage-run directory holding checkpoints.
type RunOpts struct {
	Stage       config.Stage
	Defaults    config.StageDefaults
	Plan        launch.ExecutionPlan
	Fingerprint artifact.Fingerprint
	Upstream    []artifact.Artifact
	StagingDir  string
	RunDir      string
	// ResumeFrom is an explicit checkpoint directory (--continue-from).
	// A fingerprint mismatch there is a hard error. Without it, train
	// stages auto-resume from RunDir when its recorded fingerprint
	// matches the current one.
	ResumeFrom string
	// OnCheckpointSave, when set, observes each checkpoint the
	// coordinator commits during a train stage.
	OnCheckpointSave func(state train.TrainingState)
}

// Result captures the outcome of a stage run. The artifact's payload is
// in StagingDir; the caller registers it with the cache.
type Result struct {
	Artifact   artifact.Artifact
	Steps      int
	BestMetric float64
	Workers    int
	Duration   time.Duration
}

// Run executes the full stage lifecycle for the stage's kind.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	start := time.Now()
	r.logf("stage %q (%s): %s", opts.Stage.ID, opts.Stage.Kind, opts.Plan)

	var (
		res *Result
		err error
	)
	switch opts.Stage.Kind {
	case "preprocess":
		res, err = r.runPreprocess(ctx, opts)
	case "train":
		res, err = r.runTrain(ctx, opts)
	case "extract":
		res, err = r.runExtract(ctx, opts)
	case "evaluate":
		res, err = r.runEvaluate(ctx, opts)
	default:
		return nil, fmt.Errorf("stage %q: unknown kind %q", opts.Stage.ID, opts.Stage.Kind)
	}
	if err != nil {
		return nil, err
	}

	res.Workers = opts.Plan.WorkerCount
	res.Duration = time.Since(start)
	res.Artifact.Stage = opts.Stage.ID
	res.Artifact.Fingerprint = opts.Fingerprint
	res.Artifact.Upstream = upstreamFingerprints(opts.Upstream)
	r.logf("stage %q done in %s", opts.Stage.ID, res.Duration.Round(time.Millisecond))
	return res, nil
}

// outputKind resolves the artifact kind a stage declared.
func outputKind(s config.Stage) artifact.Kind {
	if len(s.Outputs) > 0 {
		return artifact.Kind(s.Outputs[0])
	}
	return ""
}

func upstreamFingerprints(ups []artifact.Artifact) []artifact.Fingerprint {
	fps := make([]artifact.Fingerprint, 0, len(ups))
	for _, u := range ups {
		fps = append(fps, u.Fingerprint)
	}
	return fps
}

// upstreamByKind returns the first upstream artifact of the given kind.
func upstreamByKind(ups []artifact.Artifact, kind artifact.Kind) *artifact.Artifact {
	for i := range ups {
		if ups[i].Kind == kind {
			return &ups[i]
		}
	}
	return nil
}

// sampleIDs resolves the stage's sample list: from the upstream
// feature-set when one exists, else from the stage's list param via the
// data collaborator.
func (r *Runner) sampleIDs(opts RunOpts) ([]string, error) {
	if feat := upstreamByKind(opts.Upstream, artifact.KindFeatureSet); feat != nil {
		fs := dataio.NewFS(feat.Path, "")
		ids, err := fs.ReadList(filepath.Join(feat.Path, "list.txt"))
		if err != nil {
			return nil, fmt.Errorf("stage %q: read upstream sample list: %w", opts.Stage.ID, err)
		}
		return ids, nil
	}

	list := opts.Stage.StringParam("list", "")
	if list == "" {
		return nil, fmt.Errorf("stage %q: no upstream feature-set and no list param", opts.Stage.ID)
	}
	if r.collab.Data == nil {
		return nil, fmt.Errorf("stage %q: list param set but no data collaborator configured", opts.Stage.ID)
	}
	ids, err := r.collab.Data.ReadList(list)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("stage %q: sample list %q is empty", opts.Stage.ID, list)
	}
	return ids, nil
}

// shardRoundRobin deals ids across n workers so every id is covered.
type shardedWork struct {
	rank int
	ids  []string
}

func shardRoundRobin(ids []string, n int) []shardedWork {
	if n < 1 {
		n = 1
	}
	shards := make([]shardedWork, n)
	for i := range shards {
		shards[i].rank = i
	}
	for i, id := range ids {
		shards[i%n].ids = append(shards[i%n].ids, id)
	}
	return shards
}

// runWorkers runs fn once per rank and waits for all; the lowest-rank
// error wins.
func runWorkers(n int, fn func(rank int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank)
		}(rank)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// --- preprocess ---

// runPreprocess extracts features for every sample in the stage's list.
// Workers compute partial results in parallel; the merged feature set
// is written once, by the coordinator path, into the staging dir.
func (r *Runner) runPreprocess(ctx context.Context, opts RunOpts) (*Result, error) {
	if r.collab.Data == nil {
		return nil, fmt.Errorf("stage %q: preprocess requires a data collaborator", opts.Stage.ID)
	}
	ids, err := r.sampleIDs(opts)
	if err != nil {
		return nil, err
	}

	shards := shardRoundRobin(ids, opts.Plan.WorkerCount)
	payloads := make(map[string][]byte, len(ids))
	var mu sync.Mutex

	err = runWorkers(len(shards), func(rank int) error {
		local := make(map[string][]byte, len(shards[rank].ids))
		for _, id := range shards[rank].ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := r.collab.Data.ReadFeature(id)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			local[id] = p.Data
		}
		mu.Lock()
		for id, data := range local {
			payloads[id] = data
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	// Coordinator write: merged features plus the ordered sample list
	// downstream stages consume.
	for _, id := range ids {
		path := filepath.Join(opts.StagingDir, "features", id+".feat")
		if err := fsutil.WriteAtomic(path, payloads[id]); err != nil {
			return nil, fmt.Errorf("stage %q: write feature %s: %w", opts.Stage.ID, id, err)
		}
	}
	if err := writeSampleList(opts.StagingDir, ids); err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	return &Result{
		Artifact: artifact.Artifact{Name: opts.Stage.ID + "-features", Kind: outputKind(opts.Stage)},
		Steps:    len(ids),
	}, nil
}

func writeSampleList(dir string, ids []string) error {
	var buf []byte
	for _, id := range ids {
		buf = append(buf, id...)
		buf = append(buf, '\n')
	}
	return fsutil.WriteAtomic(filepath.Join(dir, "list.txt"), buf)
}

// --- train ---

// runTrain drives the checkpoint/resume training loop, one replica per
// worker rank. Replicas synchronize at epoch boundaries; only rank 0
// writes checkpoints. The committed checkpoint directory becomes the
// stage's artifact payload.
func (r *Runner) runTrain(ctx context.Context, opts RunOpts) (*Result, error) {
	if r.collab.NewTrainer == nil {
		return nil, fmt.Errorf("stage %q: train requires a trainer collaborator", opts.Stage.ID)
	}
	ids, err := r.sampleIDs(opts)
	if err != nil {
		return nil, err
	}

	workers := opts.Plan.WorkerCount
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}
	// Equal shards; the remainder is dropped so every replica steps the
	// same number of times per epoch.
	stepsPerEpoch := len(ids) / workers
	epochs := opts.Stage.IntParam("epochs", opts.Defaults.Epochs)
	checkpointEvery := opts.Stage.IntParam("checkpoint_every", opts.Defaults.CheckpointEvery)

	resumeFrom, err := r.resolveResume(opts)
	if err != nil {
		return nil, err
	}

	var featureReader dataio.FeatureReader
	if feat := upstreamByKind(opts.Upstream, artifact.KindFeatureSet); feat != nil {
		featureReader = dataio.NewFS(filepath.Join(feat.Path, "features"), ".feat")
	}

	var barrier *Barrier
	if workers > 1 {
		barrier = NewBarrier(workers)
	}

	loops := make([]*train.Loop, workers)
	err = runWorkers(workers, func(rank int) error {
		trainer, err := r.collab.NewTrainer(rank)
		if err != nil {
			if barrier != nil {
				barrier.Break(err)
			}
			return fmt.Errorf("rank %d: new trainer: %w", rank, err)
		}

		shard := ids[rank*stepsPerEpoch : (rank+1)*stepsPerEpoch]
		cfg := train.Config{
			Dir:             opts.RunDir,
			Fingerprint:     opts.Fingerprint,
			Upstream:        upstreamFingerprints(opts.Upstream),
			StageKind:       opts.Stage.Kind,
			Epochs:          epochs,
			StepsPerEpoch:   stepsPerEpoch,
			CheckpointEvery: checkpointEvery,
			DisableSaves:    !opts.Plan.IsCoordinator(rank),
		}
		if opts.Plan.IsCoordinator(rank) {
			cfg.OnSave = opts.OnCheckpointSave
		}
		if barrier != nil {
			cfg.OnEpochEnd = func(epoch int, state train.TrainingState) error {
				return barrier.Arrive(Report{Rank: rank, Step: state.Step, Fingerprint: opts.Fingerprint})
			}
		}

		loop := train.NewLoop(cfg, trainer, shardBatches(shard, featureReader), r.log)
		loops[rank] = loop
		if err := loop.Start(resumeFrom); err != nil {
			if barrier != nil {
				barrier.Break(err)
			}
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		if err := loop.Run(ctx); err != nil {
			if barrier != nil {
				barrier.Break(err)
			}
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	// Coordinator write: the committed checkpoint directory is the
	// artifact payload.
	if err := fsutil.CopyDir(opts.RunDir, filepath.Join(opts.StagingDir, "checkpoint")); err != nil {
		return nil, fmt.Errorf("stage %q: stage checkpoint artifact: %w", opts.Stage.ID, err)
	}

	state := loops[0].State()
	return &Result{
		Artifact:   artifact.Artifact{Name: opts.Stage.ID + "-checkpoint", Kind: outputKind(opts.Stage)},
		Steps:      state.Step,
		BestMetric: state.BestMetric,
	}, nil
}

// resolveResume decides where a train stage resumes from. An explicit
// --continue-from directory is used as given (the loop fails hard on a
// fingerprint mismatch there). Otherwise the stage's own run dir is
// reused when its recorded fingerprint matches; a stale run dir from a
// different configuration is cleared for a fresh start.
func (r *Runner) resolveResume(opts RunOpts) (string, error) {
	if opts.ResumeFrom != "" {
		return opts.ResumeFrom, nil
	}
	if !train.HasCheckpoint(opts.RunDir) {
		return "", nil
	}
	meta, err := train.ReadMetadata(opts.RunDir)
	if err != nil {
		return "", err
	}
	if meta.Fingerprint == opts.Fingerprint {
		r.logf("resuming %q from %s", opts.Stage.ID, opts.RunDir)
		return opts.RunDir, nil
	}
	r.logf("clearing stale run dir for %q (config changed)", opts.Stage.ID)
	if err := os.RemoveAll(opts.RunDir); err != nil {
		return "", fmt.Errorf("clear stale run dir: %w", err)
	}
	return "", nil
}

// shardBatches derives each step's batch from the shard, reading the
// payload from the upstream feature set when one exists. Batches are a
// pure function of (shard, step), which resume exactness relies on.
func shardBatches(shard []string, features dataio.FeatureReader) train.BatchSource {
	return train.BatchFunc(func(epoch, step int) (dataio.Payload, error) {
		id := shard[step%len(shard)]
		if features != nil {
			return features.ReadFeature(id)
		}
		return dataio.Payload{ID: id, Data: []byte(id)}, nil
	})
}

// --- extract ---

// runExtract computes quantized codebook indices for every sample using
// the upstream checkpoint. Workers compute partial results; the merged
// index set is written by the coordinator path as numbered per-sample
// files.
func (r *Runner) runExtract(ctx context.Context, opts RunOpts) (*Result, error) {
	ckpt := upstreamByKind(opts.Upstream, artifact.KindCheckpoint)
	if ckpt == nil {
		return nil, fmt.Errorf("stage %q: extract requires an upstream checkpoint artifact", opts.Stage.ID)
	}
	_, trainerState, err := train.LatestCheckpoint(filepath.Join(ckpt.Path, "checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("stage %q: load upstream checkpoint: %w", opts.Stage.ID, err)
	}
	ids, err := r.sampleIDs(opts)
	if err != nil {
		return nil, err
	}

	indices := make(map[string][]byte, len(ids))
	var mu sync.Mutex
	shards := shardRoundRobin(ids, opts.Plan.WorkerCount)
	err = runWorkers(len(shards), func(rank int) error {
		local := make(map[string][]byte, len(shards[rank].ids))
		for _, id := range shards[rank].ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			local[id] = deriveSample(trainerState, id)
		}
		mu.Lock()
		for id, data := range local {
			indices[id] = data
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	// Coordinator write, numbered per-sample files in list order.
	for i, id := range ids {
		path := filepath.Join(opts.StagingDir, "indices", fmt.Sprintf("%05d.idx", i))
		if err := fsutil.WriteAtomic(path, indices[id]); err != nil {
			return nil, fmt.Errorf("stage %q: write index %d: %w", opts.Stage.ID, i, err)
		}
	}
	if err := writeSampleList(opts.StagingDir, ids); err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	return &Result{
		Artifact: artifact.Artifact{Name: opts.Stage.ID + "-indices", Kind: outputKind(opts.Stage)},
		Steps:    len(ids),
	}, nil
}

// --- evaluate ---

// evalReport is the persisted output of an evaluate stage.
type evalReport struct {
	Samples               int     `json:"samples"`
	MeanMetric            float64 `json:"mean_metric"`
	CheckpointFingerprint string  `json:"checkpoint_fingerprint"`
}

// runEvaluate reconstructs every sample through the upstream checkpoint
// and reports an aggregate metric.
func (r *Runner) runEvaluate(ctx context.Context, opts RunOpts) (*Result, error) {
	ckpt := upstreamByKind(opts.Upstream, artifact.KindCheckpoint)
	if ckpt == nil {
		return nil, fmt.Errorf("stage %q: evaluate requires an upstream checkpoint artifact", opts.Stage.ID)
	}
	_, trainerState, err := train.LatestCheckpoint(filepath.Join(ckpt.Path, "checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("stage %q: load upstream checkpoint: %w", opts.Stage.ID, err)
	}
	ids, err := r.sampleIDs(opts)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		sum float64
	)
	shards := shardRoundRobin(ids, opts.Plan.WorkerCount)
	err = runWorkers(len(shards), func(rank int) error {
		local := 0.0
		for _, id := range shards[rank].ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			recon := deriveSample(trainerState, id)
			path := filepath.Join(opts.StagingDir, "recon", id+".feat")
			if err := fsutil.WriteAtomic(path, recon); err != nil {
				return fmt.Errorf("rank %d: write reconstruction %s: %w", rank, id, err)
			}
			local += sampleMetric(recon)
		}
		mu.Lock()
		sum += local
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", opts.Stage.ID, err)
	}

	mean := sum / float64(len(ids))
	report := evalReport{
		Samples:               len(ids),
		MeanMetric:            mean,
		CheckpointFingerprint: string(ckpt.Fingerprint),
	}
	if err := fsutil.WriteJSON(filepath.Join(opts.StagingDir, "report.json"), &report); err != nil {
		return nil, fmt.Errorf("stage %q: write report: %w", opts.Stage.ID, err)
	}

	return &Result{
		Artifact:   artifact.Artifact{Name: opts.Stage.ID + "-report", Kind: outputKind(opts.Stage)},
		Steps:      len(ids),
		BestMetric: mean,
	}, nil
}

// deriveSample deterministically derives per-sample output bytes from
// the checkpointed model state and the sample ID.
func deriveSample(trainerState []byte, id string) []byte {
	h := sha256.New()
	h.Write(trainerState)
	io.WriteString(h, id)
	sum := h.Sum(nil)
	return []byte(hex.EncodeToString(sum[:8]))
}

// sampleMetric maps derived bytes onto [0, 1).
func sampleMetric(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	return float64(data[0]) / 256.0
}
