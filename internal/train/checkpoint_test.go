package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/waveforge/waveforge/internal/artifact"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state := TrainingState{Epoch: 2, Step: 250, BestMetric: 0.04, BestStep: 248, SaveCount: 3}
	if err := writeCheckpoint(dir, state, []byte("trainer-state")); err != nil {
		t.Fatalf("writeCheckpoint: %v", err)
	}

	got, trainerState, err := LatestCheckpoint(dir)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if got != state {
		t.Errorf("state = %+v, want %+v", got, state)
	}
	if string(trainerState) != "trainer-state" {
		t.Errorf("trainer state = %q", trainerState)
	}
	if !HasCheckpoint(dir) {
		t.Error("HasCheckpoint = false after write")
	}
}

func TestLatestPointerAdvances(t *testing.T) {
	dir := t.TempDir()

	if err := writeCheckpoint(dir, TrainingState{Step: 100, SaveCount: 1}, nil); err != nil {
		t.Fatalf("writeCheckpoint 100: %v", err)
	}
	if err := writeCheckpoint(dir, TrainingState{Step: 200, SaveCount: 2}, nil); err != nil {
		t.Fatalf("writeCheckpoint 200: %v", err)
	}

	got, _, err := LatestCheckpoint(dir)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if got.Step != 200 {
		t.Errorf("latest Step = %d, want 200", got.Step)
	}
	// Earlier checkpoints are kept for explicit --continue-from use.
	if _, err := os.Stat(filepath.Join(dir, "checkpoint.100")); err != nil {
		t.Errorf("checkpoint.100 removed: %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{
		Fingerprint: "fp-train",
		Upstream:    []artifact.Fingerprint{"fp-features"},
		StageKind:   "train",
	}

	if err := writeMetadata(dir, meta); err != nil {
		t.Fatalf("writeMetadata: %v", err)
	}
	got, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.Fingerprint != "fp-train" || got.StageKind != "train" {
		t.Errorf("metadata = %+v", got)
	}
	if len(got.Upstream) != 1 || got.Upstream[0] != "fp-features" {
		t.Errorf("Upstream = %v", got.Upstream)
	}
}

func TestHasCheckpointEmptyDir(t *testing.T) {
	if HasCheckpoint(t.TempDir()) {
		t.Error("HasCheckpoint = true for empty dir")
	}
}
