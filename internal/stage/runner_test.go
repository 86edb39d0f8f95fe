package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/waveforge/waveforge/internal/artifact"
	"github.com/waveforge/waveforge/internal/config"
	"github.com/waveforge/waveforge/internal/dataio"
	"github.com/waveforge/waveforge/internal/fsutil"
	"github.com/waveforge/waveforge/internal/launch"
	"github.com/waveforge/waveforge/internal/train"
)

// fakeData serves lists and features from memory.
type fakeData struct {
	lists map[string][]string
	feats map[string][]byte
}

func (f *fakeData) ReadList(path string) ([]string, error) {
	ids, ok := f.lists[path]
	if !ok {
		return nil, fmt.Errorf("list %q not found", path)
	}
	return ids, nil
}

func (f *fakeData) ReadFeature(id string) (dataio.Payload, error) {
	data, ok := f.feats[id]
	if !ok {
		return dataio.Payload{}, fmt.Errorf("feature %q not found", id)
	}
	return dataio.Payload{ID: id, Data: data}, nil
}

func newFakeData(n int) *fakeData {
	f := &fakeData{lists: map[string][]string{}, feats: map[string][]byte{}}
	var ids []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("LJ001-%04d", i)
		ids = append(ids, id)
		f.feats[id] = []byte(fmt.Sprintf("mel-%d", i))
	}
	f.lists["data/train.txt"] = ids
	return f
}

func testCollab(n int) Collaborators {
	return Collaborators{
		NewTrainer: func(rank int) (train.Trainer, error) { return train.NewSyntheticTrainer(), nil },
		Data:       newFakeData(n),
	}
}

func plan(workers int, pref config.Concurrency) launch.ExecutionPlan {
	return launch.Resolve(pref, workers)
}

func stageDirs(t *testing.T) (staging, run string) {
	t.Helper()
	base := t.TempDir()
	staging = filepath.Join(base, "staging")
	run = filepath.Join(base, "run")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	return staging, run
}

func TestRunPreprocess(t *testing.T) {
	r := NewRunner(testCollab(5), nil)
	staging, run := stageDirs(t)

	res, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "preprocess", Kind: "preprocess",
			Outputs: []string{"feature-set"},
			Params:  map[string]interface{}{"list": "data/train.txt"},
		},
		Plan:        plan(3, config.Concurrency{}),
		Fingerprint: "fp-pre",
		StagingDir:  staging,
		RunDir:      run,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Artifact.Kind != artifact.KindFeatureSet {
		t.Errorf("Kind = %s", res.Artifact.Kind)
	}
	if res.Steps != 5 {
		t.Errorf("Steps = %d, want 5", res.Steps)
	}
	if res.Workers != 3 {
		t.Errorf("Workers = %d, want 3", res.Workers)
	}

	data, err := os.ReadFile(filepath.Join(staging, "features", "LJ001-0002.feat"))
	if err != nil {
		t.Fatalf("read feature: %v", err)
	}
	if string(data) != "mel-2" {
		t.Errorf("feature = %q", data)
	}

	ids, err := dataio.NewFS(staging, "").ReadList(filepath.Join(staging, "list.txt"))
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	if len(ids) != 5 || ids[0] != "LJ001-0000" {
		t.Errorf("list = %v", ids)
	}
}

func TestRunUnknownKind(t *testing.T) {
	r := NewRunner(testCollab(2), nil)
	staging, run := stageDirs(t)
	_, err := r.Run(context.Background(), RunOpts{
		Stage:      config.Stage{ID: "x", Kind: "finetune"},
		Plan:       plan(1, config.Concurrency{}),
		StagingDir: staging,
		RunDir:     run,
	})
	if err == nil {
		t.Fatal("expected error for unknown stage kind")
	}
}

func trainOpts(t *testing.T, workers int) (RunOpts, string) {
	t.Helper()
	staging, run := stageDirs(t)
	return RunOpts{
		Stage: config.Stage{
			ID: "train-codec", Kind: "train",
			Outputs: []string{"checkpoint"},
			Params: map[string]interface{}{
				"list":             "data/train.txt",
				"epochs":           3,
				"checkpoint_every": 2,
			},
		},
		Defaults:    config.StageDefaults{Epochs: 1, CheckpointEvery: 100},
		Plan:        plan(workers, config.Concurrency{}),
		Fingerprint: "fp-train",
		StagingDir:  staging,
		RunDir:      run,
	}, staging
}

func TestRunTrainSingleWorker(t *testing.T) {
	r := NewRunner(testCollab(4), nil)
	opts, staging := trainOpts(t, 1)

	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 4 samples, 1 worker, 3 epochs: 12 steps.
	if res.Steps != 12 {
		t.Errorf("Steps = %d, want 12", res.Steps)
	}
	if res.Artifact.Kind != artifact.KindCheckpoint {
		t.Errorf("Kind = %s", res.Artifact.Kind)
	}
	if res.BestMetric <= 0 || res.BestMetric > 1 {
		t.Errorf("BestMetric = %v", res.BestMetric)
	}

	// The committed checkpoint directory is the artifact payload.
	state, _, err := train.LatestCheckpoint(filepath.Join(staging, "checkpoint"))
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if state.Step != 12 {
		t.Errorf("checkpoint Step = %d, want 12", state.Step)
	}
}

func TestRunTrainDataParallel(t *testing.T) {
	r := NewRunner(testCollab(8), nil)
	opts, staging := trainOpts(t, 4)

	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 8 samples over 4 replicas: 2 steps per epoch, 3 epochs.
	if res.Steps != 6 {
		t.Errorf("Steps = %d, want 6", res.Steps)
	}
	if res.Workers != 4 {
		t.Errorf("Workers = %d, want 4", res.Workers)
	}

	state, _, err := train.LatestCheckpoint(filepath.Join(staging, "checkpoint"))
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if state.Step != 6 {
		t.Errorf("checkpoint Step = %d, want 6", state.Step)
	}
}

func TestRunTrainAutoResume(t *testing.T) {
	collab := testCollab(4)
	r := NewRunner(collab, nil)
	opts, _ := trainOpts(t, 1)

	if _, err := r.Run(context.Background(), opts); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Same fingerprint, same run dir: the stage resumes at its final
	// step and performs zero additional training steps.
	trainerSeen := train.NewSyntheticTrainer()
	r2 := NewRunner(Collaborators{
		NewTrainer: func(rank int) (train.Trainer, error) { return trainerSeen, nil },
		Data:       collab.Data,
	}, nil)
	res, err := r2.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Steps != 12 {
		t.Errorf("Steps = %d, want 12", res.Steps)
	}
	// The trainer state was restored (12 steps recorded), then no
	// fresh batches were consumed.
	if trainerSeen.Steps != 12 {
		t.Errorf("resumed trainer Steps = %d, want 12", trainerSeen.Steps)
	}
}

func TestRunTrainStaleRunDirCleared(t *testing.T) {
	r := NewRunner(testCollab(4), nil)
	opts, _ := trainOpts(t, 1)

	if _, err := r.Run(context.Background(), opts); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A changed configuration gets a fresh training run, not a
	// mismatch error: the stale run dir is cleared.
	opts2 := opts
	opts2.Fingerprint = "fp-train-v2"
	staging2 := filepath.Join(t.TempDir(), "staging2")
	if err := os.MkdirAll(staging2, 0o755); err != nil {
		t.Fatal(err)
	}
	opts2.StagingDir = staging2

	res, err := r.Run(context.Background(), opts2)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Steps != 12 {
		t.Errorf("Steps = %d, want 12", res.Steps)
	}
	meta, err := train.ReadMetadata(opts.RunDir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Fingerprint != "fp-train-v2" {
		t.Errorf("run dir fingerprint = %s, want fp-train-v2", meta.Fingerprint)
	}
}

func TestRunTrainExplicitResumeMismatch(t *testing.T) {
	r := NewRunner(testCollab(4), nil)
	opts, staging := trainOpts(t, 1)

	if _, err := r.Run(context.Background(), opts); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// --continue-from pointing at a checkpoint of a different
	// configuration must fail hard.
	opts2, _ := trainOpts(t, 1)
	opts2.Fingerprint = "fp-other"
	opts2.ResumeFrom = filepath.Join(staging, "checkpoint")
	if _, err := r.Run(context.Background(), opts2); err == nil {
		t.Fatal("expected resume mismatch error")
	}
}

// chainArtifacts runs preprocess then train, returning both artifacts
// with Path pointing at their staging payloads.
func chainArtifacts(t *testing.T, r *Runner) (feat, ckpt artifact.Artifact) {
	t.Helper()

	preStaging, preRun := stageDirs(t)
	preRes, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "preprocess", Kind: "preprocess",
			Outputs: []string{"feature-set"},
			Params:  map[string]interface{}{"list": "data/train.txt"},
		},
		Plan:        plan(2, config.Concurrency{}),
		Fingerprint: "fp-pre",
		StagingDir:  preStaging,
		RunDir:      preRun,
	})
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	feat = preRes.Artifact
	feat.Path = preStaging

	trStaging, trRun := stageDirs(t)
	trRes, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "train-codec", Kind: "train",
			Outputs: []string{"checkpoint"},
			Params:  map[string]interface{}{"epochs": 2, "checkpoint_every": 3},
		},
		Defaults:    config.StageDefaults{Epochs: 1, CheckpointEvery: 100},
		Plan:        plan(1, config.Concurrency{}),
		Fingerprint: "fp-train",
		Upstream:    []artifact.Artifact{feat},
		StagingDir:  trStaging,
		RunDir:      trRun,
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	ckpt = trRes.Artifact
	ckpt.Path = trStaging
	return feat, ckpt
}

func TestRunExtract(t *testing.T) {
	r := NewRunner(testCollab(6), nil)
	feat, ckpt := chainArtifacts(t, r)

	staging, run := stageDirs(t)
	res, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "save-prior", Kind: "extract",
			Outputs: []string{"index-set"},
		},
		Plan:        plan(2, config.Concurrency{ParallelWriters: false}),
		Fingerprint: "fp-extract",
		Upstream:    []artifact.Artifact{feat, ckpt},
		StagingDir:  staging,
		RunDir:      run,
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if res.Artifact.Kind != artifact.KindIndexSet {
		t.Errorf("Kind = %s", res.Artifact.Kind)
	}
	if res.Steps != 6 {
		t.Errorf("Steps = %d, want 6", res.Steps)
	}
	// Numbered per-sample index files in list order.
	for i := 0; i < 6; i++ {
		path := filepath.Join(staging, "indices", fmt.Sprintf("%05d.idx", i))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("index file %d missing: %v", i, err)
		}
	}

	// Extraction is deterministic in (checkpoint, sample).
	first, _ := os.ReadFile(filepath.Join(staging, "indices", "00000.idx"))
	staging2, run2 := stageDirs(t)
	if _, err := r.Run(context.Background(), RunOpts{
		Stage:       config.Stage{ID: "save-prior", Kind: "extract", Outputs: []string{"index-set"}},
		Plan:        plan(1, config.Concurrency{}),
		Fingerprint: "fp-extract",
		Upstream:    []artifact.Artifact{feat, ckpt},
		StagingDir:  staging2,
		RunDir:      run2,
	}); err != nil {
		t.Fatalf("second extract: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(staging2, "indices", "00000.idx"))
	if string(first) != string(second) {
		t.Errorf("extraction not deterministic: %q vs %q", first, second)
	}
}

func TestRunExtractRequiresCheckpoint(t *testing.T) {
	r := NewRunner(testCollab(3), nil)
	staging, run := stageDirs(t)
	_, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "save-prior", Kind: "extract",
			Outputs: []string{"index-set"},
			Params:  map[string]interface{}{"list": "data/train.txt"},
		},
		Plan:       plan(1, config.Concurrency{}),
		StagingDir: staging,
		RunDir:     run,
	})
	if err == nil {
		t.Fatal("expected error without upstream checkpoint")
	}
}

func TestRunEvaluate(t *testing.T) {
	r := NewRunner(testCollab(4), nil)
	feat, ckpt := chainArtifacts(t, r)

	staging, run := stageDirs(t)
	res, err := r.Run(context.Background(), RunOpts{
		Stage: config.Stage{
			ID: "reconstruct", Kind: "evaluate",
			Outputs: []string{"feature-set"},
		},
		Plan:        plan(1, config.Concurrency{ForceSingleProcess: true}),
		Fingerprint: "fp-eval",
		Upstream:    []artifact.Artifact{feat, ckpt},
		StagingDir:  staging,
		RunDir:      run,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if res.Steps != 4 {
		t.Errorf("Steps = %d, want 4", res.Steps)
	}

	var report evalReport
	if err := fsutil.ReadJSON(filepath.Join(staging, "report.json"), &report); err != nil {
		t.Fatalf("read report: %v", err)
	}
	if report.Samples != 4 {
		t.Errorf("report.Samples = %d", report.Samples)
	}
	if report.CheckpointFingerprint != string(ckpt.Fingerprint) {
		t.Errorf("report fingerprint = %q", report.CheckpointFingerprint)
	}
	if report.MeanMetric != res.BestMetric {
		t.Errorf("report metric %v != result metric %v", report.MeanMetric, res.BestMetric)
	}
}

func TestShardRoundRobin(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	shards := shardRoundRobin(ids, 2)
	if len(shards) != 2 {
		t.Fatalf("len = %d", len(shards))
	}
	if got := len(shards[0].ids) + len(shards[1].ids); got != 5 {
		t.Errorf("coverage = %d ids, want 5", got)
	}
	if shards[0].ids[0] != "a" || shards[1].ids[0] != "b" {
		t.Errorf("shards = %v", shards)
	}
}
