// Package train drives one stage's training loop: stepping the external
// model collaborator, tracking progress, and committing checkpoints that
// allow exact resumption.
package train

import (
	"context"

	"github.com/waveforge/waveforge/internal/dataio"
)

// Metrics reports what one training step produced. Loss is the value
// tracked for best-checkpoint selection (lower is better).
type Metrics struct {
	Loss float64
}

// Trainer is the external model collaborator. The loop owns scheduling,
// checkpointing, and resumption; the trainer owns the numerics.
type Trainer interface {
	Step(ctx context.Context, batch dataio.Payload) (Metrics, error)
	StateDict() ([]byte, error)
	LoadStateDict(data []byte) error
}

// TrainerFactory builds a fresh trainer replica for a worker rank.
// Data-parallel stages construct one replica per rank.
type TrainerFactory func(rank int) (Trainer, error)

// BatchSource supplies the batch for a given global step. Implementations
// must be deterministic for resume exactness to hold.
type BatchSource interface {
	Next(epoch, step int) (dataio.Payload, error)
}

// BatchFunc adapts a function to the BatchSource interface.
type BatchFunc func(epoch, step int) (dataio.Payload, error)

func (f BatchFunc) Next(epoch, step int) (dataio.Payload, error) {
	return f(epoch, step)
}
