package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/waveforge/waveforge/internal/artifact"
	"github.com/waveforge/waveforge/internal/fsutil"
)

var (
	// ErrResumeMismatch means a checkpoint directory's embedded
	// fingerprint disagrees with the requested configuration. Resuming
	// would silently train with stale hyperparameters, so it is refused.
	ErrResumeMismatch = errors.New("checkpoint fingerprint does not match requested configuration")

	// ErrStorageIO wraps failures reading or writing durable state.
	// Saves are retried a bounded number of times before surfacing.
	ErrStorageIO = errors.New("storage i/o failure")

	// ErrCancelled is returned when an external cancellation was
	// observed at a step boundary.
	ErrCancelled = errors.New("training cancelled")
)

const (
	latestPointer = "checkpoint.latest"
	metadataName  = "metadata.json"
)

// Metadata identifies whose training run a checkpoint directory belongs
// to. It is written once, before the first checkpoint.
type Metadata struct {
	Fingerprint artifact.Fingerprint   `json:"fingerprint"`
	Upstream    []artifact.Fingerprint `json:"upstream_fingerprints"`
	StageKind   string                 `json:"stage_kind"`
}

// checkpointFile is the serialized form of one committed checkpoint.
// TrainerState is the collaborator's opaque state dict.
type checkpointFile struct {
	State        TrainingState `json:"state"`
	TrainerState []byte        `json:"trainer_state"`
}

func checkpointName(step int) string {
	return fmt.Sprintf("checkpoint.%d", step)
}

// writeCheckpoint commits a checkpoint to dir using the
// write-temp-then-atomic-replace discipline: a crash mid-serialization
// leaves the previously committed checkpoint and pointer intact.
func writeCheckpoint(dir string, state TrainingState, trainerState []byte) error {
	data, err := json.MarshalIndent(checkpointFile{State: state, TrainerState: trainerState}, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize checkpoint: %w", err)
	}
	name := checkpointName(state.Step)
	if err := fsutil.WriteAtomic(filepath.Join(dir, name), data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	// The pointer moves only after the checkpoint itself is durable.
	if err := fsutil.WriteAtomic(filepath.Join(dir, latestPointer), []byte(name+"\n")); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return nil
}

// writeMetadata records the run identity in dir.
func writeMetadata(dir string, meta Metadata) error {
	if err := fsutil.WriteJSON(filepath.Join(dir, metadataName), &meta); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return nil
}

// ReadMetadata reads the run identity from a checkpoint directory.
func ReadMetadata(dir string) (*Metadata, error) {
	var meta Metadata
	if err := fsutil.ReadJSON(filepath.Join(dir, metadataName), &meta); err != nil {
		return nil, fmt.Errorf("read checkpoint metadata: %w", err)
	}
	return &meta, nil
}

// LatestCheckpoint resolves the checkpoint.latest pointer in dir and
// returns the committed state it points at.
func LatestCheckpoint(dir string) (TrainingState, []byte, error) {
	ptr, err := os.ReadFile(filepath.Join(dir, latestPointer))
	if err != nil {
		return TrainingState{}, nil, fmt.Errorf("read latest pointer: %w", err)
	}
	name := strings.TrimSpace(string(ptr))

	var cf checkpointFile
	if err := fsutil.ReadJSON(filepath.Join(dir, name), &cf); err != nil {
		return TrainingState{}, nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	return cf.State, cf.TrainerState, nil
}

// HasCheckpoint reports whether dir holds a committed checkpoint.
func HasCheckpoint(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, latestPointer))
	return err == nil
}

// LatestCheckpointPath returns the file path of the last committed
// checkpoint in dir, or "" when none exists. Failure reports include it
// so the user can resume without recomputing upstream stages.
func LatestCheckpointPath(dir string) string {
	ptr, err := os.ReadFile(filepath.Join(dir, latestPointer))
	if err != nil {
		return ""
	}
	return filepath.Join(dir, strings.TrimSpace(string(ptr)))
}
