package train

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/waveforge/waveforge/internal/dataio"
)

// SyntheticTrainer is a fully deterministic trainer with no external
// randomness. It stands in for the numerical collaborator in dry runs
// and tests: loss decays with the step count and the state dict is a
// digest of every batch seen, so divergence across resume boundaries or
// worker ranks is detectable.
type SyntheticTrainer struct {
	Steps  int    `json:"steps"`
	Digest uint64 `json:"digest"`
}

// NewSyntheticTrainer returns a fresh deterministic trainer.
func NewSyntheticTrainer() *SyntheticTrainer {
	return &SyntheticTrainer{}
}

// Step folds the batch into the digest and reports a decaying loss.
func (t *SyntheticTrainer) Step(ctx context.Context, batch dataio.Payload) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	for _, b := range batch.Data {
		t.Digest = t.Digest*1099511628211 + uint64(b) // FNV-style fold
	}
	for _, c := range batch.ID {
		t.Digest = t.Digest*1099511628211 + uint64(c)
	}
	t.Steps++
	return Metrics{Loss: 1.0 / float64(t.Steps)}, nil
}

// StateDict serializes the trainer state.
func (t *SyntheticTrainer) StateDict() ([]byte, error) {
	return json.Marshal(t)
}

// LoadStateDict restores the trainer state.
func (t *SyntheticTrainer) LoadStateDict(data []byte) error {
	if err := json.Unmarshal(data, t); err != nil {
		return fmt.Errorf("unmarshal synthetic trainer state: %w", err)
	}
	return nil
}
