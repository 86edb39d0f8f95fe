package train

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waveforge/waveforge/internal/dataio"
)

// fixedBatches deterministically derives a batch from the global step.
func fixedBatches() BatchSource {
	return BatchFunc(func(epoch, step int) (dataio.Payload, error) {
		return dataio.Payload{
			ID:   fmt.Sprintf("sample-%04d", step),
			Data: []byte{byte(step), byte(epoch)},
		}, nil
	})
}

func testConfig(dir string) Config {
	return Config{
		Dir:             dir,
		Fingerprint:     "fp-loop",
		StageKind:       "train",
		Epochs:          2,
		StepsPerEpoch:   5,
		CheckpointEvery: 3,
		RetryBackoff:    time.Millisecond,
	}
}

func TestRunFresh(t *testing.T) {
	dir := t.TempDir()
	trainer := NewSyntheticTrainer()
	l := NewLoop(testConfig(dir), trainer, fixedBatches(), nil)

	if l.Status() != StatusFresh {
		t.Fatalf("Status = %s, want fresh", l.Status())
	}
	if err := l.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if l.Status() != StatusCompleted {
		t.Errorf("Status = %s, want completed", l.Status())
	}
	st := l.State()
	if st.Step != 10 {
		t.Errorf("Step = %d, want 10", st.Step)
	}
	if st.Epoch != 2 {
		t.Errorf("Epoch = %d, want 2", st.Epoch)
	}
	// Loss decays monotonically, so the best step is the last one.
	if st.BestStep != 10 {
		t.Errorf("BestStep = %d, want 10", st.BestStep)
	}
	// Periodic saves at steps 3, 6, 9 plus the terminal save.
	if st.SaveCount != 4 {
		t.Errorf("SaveCount = %d, want 4", st.SaveCount)
	}
	if !HasCheckpoint(dir) {
		t.Error("no checkpoint committed")
	}

	meta, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Fingerprint != "fp-loop" {
		t.Errorf("metadata fingerprint = %s", meta.Fingerprint)
	}
}

func TestRunNotStarted(t *testing.T) {
	l := NewLoop(testConfig(t.TempDir()), NewSyntheticTrainer(), fixedBatches(), nil)
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("Run before Start should fail")
	}
}

func TestStartTwice(t *testing.T) {
	l := NewLoop(testConfig(t.TempDir()), NewSyntheticTrainer(), fixedBatches(), nil)
	if err := l.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(""); err == nil {
		t.Fatal("second Start should fail")
	}
}

// cancellingBatches cancels the context after n batches have been
// served, simulating a user interrupt mid-training.
func cancellingBatches(inner BatchSource, cancel context.CancelFunc, after int) BatchSource {
	served := 0
	return BatchFunc(func(epoch, step int) (dataio.Payload, error) {
		served++
		if served == after {
			cancel()
		}
		return inner.Next(epoch, step)
	})
}

func TestCancelDuringStepCommitsBoundaryCheckpoint(t *testing.T) {
	// The trainer surfaces the context's cancellation from inside
	// Step; the loop must still cancel cleanly, not fail.
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(testConfig(dir), NewSyntheticTrainer(), cancellingBatches(fixedBatches(), cancel, 3), nil)
	if err := l.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := l.Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run = %v, want ErrCancelled", err)
	}
	if l.Status() != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", l.Status())
	}

	// The partial third step never reaches durable state.
	state, _, err := LatestCheckpoint(dir)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if state.Step != 2 {
		t.Errorf("checkpointed Step = %d, want 2", state.Step)
	}
}

func TestResumeExactness(t *testing.T) {
	// Reference: one uninterrupted run.
	refTrainer := NewSyntheticTrainer()
	ref := NewLoop(testConfig(t.TempDir()), refTrainer, fixedBatches(), nil)
	if err := ref.Start(""); err != nil {
		t.Fatalf("ref Start: %v", err)
	}
	if err := ref.Run(context.Background()); err != nil {
		t.Fatalf("ref Run: %v", err)
	}

	// Interrupted run: cancelled after 6 steps, then resumed.
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	firstTrainer := NewSyntheticTrainer()
	first := NewLoop(testConfig(dir), firstTrainer, cancellingBatches(fixedBatches(), cancel, 6), nil)
	if err := first.Start(""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := first.Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("first Run = %v, want ErrCancelled", err)
	}
	if first.Status() != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", first.Status())
	}
	if !HasCheckpoint(dir) {
		t.Fatal("cancel did not commit a best-effort checkpoint")
	}

	resumedTrainer := NewSyntheticTrainer()
	resumed := NewLoop(testConfig(dir), resumedTrainer, fixedBatches(), nil)
	if err := resumed.Start(dir); err != nil {
		t.Fatalf("resumed Start: %v", err)
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	refState, resState := ref.State(), resumed.State()
	if resState.Step != refState.Step {
		t.Errorf("resumed Step = %d, want %d", resState.Step, refState.Step)
	}
	if resState.BestMetric != refState.BestMetric {
		t.Errorf("resumed BestMetric = %v, want %v", resState.BestMetric, refState.BestMetric)
	}
	if resState.BestStep != refState.BestStep {
		t.Errorf("resumed BestStep = %d, want %d", resState.BestStep, refState.BestStep)
	}
	// The trainer digest covers every batch seen; matching digests mean
	// no step was skipped or repeated relative to committed state.
	if resumedTrainer.Digest != refTrainer.Digest {
		t.Errorf("resumed digest = %d, want %d", resumedTrainer.Digest, refTrainer.Digest)
	}
	if resumedTrainer.Steps != refTrainer.Steps {
		t.Errorf("resumed trainer steps = %d, want %d", resumedTrainer.Steps, refTrainer.Steps)
	}
}

func TestResumeMismatch(t *testing.T) {
	dir := t.TempDir()

	// A prior run with a different fingerprint committed checkpoints here.
	prevCfg := testConfig(dir)
	prevCfg.Fingerprint = "fp-old"
	prev := NewLoop(prevCfg, NewSyntheticTrainer(), fixedBatches(), nil)
	if err := prev.Start(""); err != nil {
		t.Fatalf("prev Start: %v", err)
	}
	if err := prev.Run(context.Background()); err != nil {
		t.Fatalf("prev Run: %v", err)
	}

	trainer := NewSyntheticTrainer()
	l := NewLoop(testConfig(dir), trainer, fixedBatches(), nil)
	err := l.Start(dir)
	if !errors.Is(err, ErrResumeMismatch) {
		t.Fatalf("Start = %v, want ErrResumeMismatch", err)
	}
	// No training step may have run.
	if trainer.Steps != 0 {
		t.Errorf("trainer ran %d steps despite mismatch", trainer.Steps)
	}
	if l.Status() != StatusFresh {
		t.Errorf("Status = %s, want fresh", l.Status())
	}
}

type failingTrainer struct {
	SyntheticTrainer
	failAt int
}

func (f *failingTrainer) Step(ctx context.Context, batch dataio.Payload) (Metrics, error) {
	if f.Steps+1 == f.failAt {
		return Metrics{}, errors.New("synthetic gradient explosion")
	}
	return f.SyntheticTrainer.Step(ctx, batch)
}

func TestTrainerFailureKeepsLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := NewLoop(testConfig(dir), &failingTrainer{failAt: 5}, fixedBatches(), nil)
	if err := l.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Run(context.Background()); err == nil {
		t.Fatal("Run should fail")
	}
	if l.Status() != StatusFailed {
		t.Errorf("Status = %s, want failed", l.Status())
	}

	// The step-3 checkpoint committed before the failure must be intact.
	state, _, err := LatestCheckpoint(dir)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if state.Step != 3 {
		t.Errorf("last committed Step = %d, want 3", state.Step)
	}
}

func TestSaveRetriesSurfaceStorageError(t *testing.T) {
	// Point the checkpoint dir at a regular file so every write fails.
	base := t.TempDir()
	blocked := filepath.Join(base, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	cfg := testConfig(filepath.Join(blocked, "ckpt"))
	cfg.SaveRetries = 2
	l := NewLoop(cfg, NewSyntheticTrainer(), fixedBatches(), nil)
	if err := l.Start(""); !errors.Is(err, ErrStorageIO) {
		t.Fatalf("Start = %v, want ErrStorageIO", err)
	}
}
