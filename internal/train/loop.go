package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/waveforge/waveforge/internal/artifact"
)

// Config configures one training loop instance.
type Config struct {
	Dir             string // checkpoint directory for this stage run
	Fingerprint     artifact.Fingerprint
	Upstream        []artifact.Fingerprint
	StageKind       string
	Epochs          int
	StepsPerEpoch   int
	CheckpointEvery int           // commit a checkpoint every N steps
	SaveRetries     int           // bounded retries for storage failures
	RetryBackoff    time.Duration // base backoff between save retries

	// DisableSaves turns off all durable writes. Non-coordinator worker
	// replicas run with saves disabled so that rank 0 is the only
	// writer of checkpoints.
	DisableSaves bool

	// OnEpochEnd, when set, is called at each epoch boundary before the
	// loop proceeds. Data-parallel stages use it to hold every replica
	// at a synchronization barrier.
	OnEpochEnd func(epoch int, state TrainingState) error

	// OnSave, when set, observes each committed checkpoint. Replicas
	// running with saves disabled never report.
	OnSave func(state TrainingState)
}

func (c *Config) applyDefaults() {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 100
	}
	if c.SaveRetries <= 0 {
		c.SaveRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Loop is the checkpoint/resume state machine for one stage run.
// It exclusively owns its TrainingState: step is the only mutator.
//
//	fresh -> running -> {saving -> running | completed | failed | cancelled}
type Loop struct {
	cfg     Config
	trainer Trainer
	batches BatchSource
	log     *slog.Logger

	state  TrainingState
	status Status
}

// NewLoop creates a training loop. logger may be nil.
func NewLoop(cfg Config, trainer Trainer, batches BatchSource, logger *slog.Logger) *Loop {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Loop{
		cfg:     cfg,
		trainer: trainer,
		batches: batches,
		log:     logger.With("stage_kind", cfg.StageKind, "fingerprint", cfg.Fingerprint.Short()),
		state:   TrainingState{BestMetric: math.MaxFloat64},
		status:  StatusFresh,
	}
}

// State returns a copy of the current training state.
func (l *Loop) State() TrainingState {
	return l.state
}

// Status returns the loop's lifecycle state.
func (l *Loop) Status() Status {
	return l.status
}

// Start prepares the loop. With resumeFrom set to a checkpoint
// directory, counters and the trainer state are restored from the last
// committed checkpoint; a fingerprint disagreement fails with
// ErrResumeMismatch before any step runs.
func (l *Loop) Start(resumeFrom string) error {
	if l.status != StatusFresh {
		return fmt.Errorf("loop already started (status %s)", l.status)
	}

	if resumeFrom != "" {
		meta, err := ReadMetadata(resumeFrom)
		if err != nil {
			return err
		}
		if meta.Fingerprint != l.cfg.Fingerprint {
			return fmt.Errorf("resume from %s: have %s, want %s: %w",
				resumeFrom, meta.Fingerprint.Short(), l.cfg.Fingerprint.Short(), ErrResumeMismatch)
		}
		state, trainerState, err := LatestCheckpoint(resumeFrom)
		if err != nil {
			return err
		}
		if err := l.trainer.LoadStateDict(trainerState); err != nil {
			return fmt.Errorf("load trainer state: %w", err)
		}
		l.state = state
		l.log.Info("resumed from checkpoint", "dir", resumeFrom, "step", state.Step, "epoch", state.Epoch)
	}

	if !l.cfg.DisableSaves {
		if err := writeMetadata(l.cfg.Dir, Metadata{
			Fingerprint: l.cfg.Fingerprint,
			Upstream:    l.cfg.Upstream,
			StageKind:   l.cfg.StageKind,
		}); err != nil {
			return err
		}
	}

	l.status = StatusRunning
	return nil
}

// Run drives the loop from the current state to completion. On external
// cancellation it commits a best-effort checkpoint at the step boundary
// and returns ErrCancelled; on a trainer error the loop fails and the
// last committed checkpoint stays valid for a future resume.
func (l *Loop) Run(ctx context.Context) error {
	if l.status != StatusRunning {
		return fmt.Errorf("loop not running (status %s, call Start first)", l.status)
	}

	total := l.cfg.Epochs * l.cfg.StepsPerEpoch
	for l.state.Step < total {
		// Cancellation is observed only at step boundaries so that a
		// partial step never reaches durable state.
		if ctx.Err() != nil {
			return l.cancel()
		}

		if err := l.step(ctx); err != nil {
			// A trainer may surface the context's cancellation from
			// inside the step; that is still a cancel, not a failure.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return l.cancel()
			}
			l.status = StatusFailed
			return fmt.Errorf("step %d: %w", l.state.Step, err)
		}

		if l.cfg.OnEpochEnd != nil && l.state.Step%l.cfg.StepsPerEpoch == 0 {
			if err := l.cfg.OnEpochEnd(l.state.Epoch, l.state); err != nil {
				l.status = StatusFailed
				return fmt.Errorf("epoch %d boundary: %w", l.state.Epoch, err)
			}
		}

		if l.state.Step%l.cfg.CheckpointEvery == 0 {
			if err := l.checkpoint(); err != nil {
				l.status = StatusFailed
				return err
			}
		}
	}

	return l.finish()
}

// cancel commits a best-effort checkpoint at the step boundary and
// moves to the Cancelled terminal state. The state already committed
// stays valid for a future resume.
func (l *Loop) cancel() error {
	l.log.Warn("cancellation observed at step boundary", "step", l.state.Step)
	if saveErr := l.checkpoint(); saveErr != nil {
		l.log.Error("best-effort checkpoint on cancel failed", "error", saveErr)
	}
	l.status = StatusCancelled
	return fmt.Errorf("at step %d: %w", l.state.Step, ErrCancelled)
}

// step advances one training unit. This is the only write access to the
// TrainingState.
func (l *Loop) step(ctx context.Context) error {
	batch, err := l.batches.Next(l.state.Epoch, l.state.Step)
	if err != nil {
		return fmt.Errorf("next batch: %w", err)
	}

	metrics, err := l.trainer.Step(ctx, batch)
	if err != nil {
		return fmt.Errorf("trainer step: %w", err)
	}

	l.state.Step++
	l.state.Epoch = l.state.Step / l.cfg.StepsPerEpoch
	if metrics.Loss < l.state.BestMetric {
		l.state.BestMetric = metrics.Loss
		l.state.BestStep = l.state.Step
	}
	return nil
}

// checkpoint serializes the full state. Storage failures are retried
// with backoff up to cfg.SaveRetries times before surfacing.
func (l *Loop) checkpoint() error {
	if l.cfg.DisableSaves {
		return nil
	}
	l.status = StatusSaving
	defer func() {
		if l.status == StatusSaving {
			l.status = StatusRunning
		}
	}()

	trainerState, err := l.trainer.StateDict()
	if err != nil {
		return fmt.Errorf("trainer state dict: %w", err)
	}

	l.state.SaveCount++
	var lastErr error
	for attempt := 0; attempt < l.cfg.SaveRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.cfg.RetryBackoff * time.Duration(attempt))
		}
		lastErr = writeCheckpoint(l.cfg.Dir, l.state, trainerState)
		if lastErr == nil {
			l.log.Debug("checkpoint committed", "step", l.state.Step, "save_count", l.state.SaveCount)
			if l.cfg.OnSave != nil {
				l.cfg.OnSave(l.state)
			}
			return nil
		}
		if !errors.Is(lastErr, ErrStorageIO) {
			break // only storage failures are retryable
		}
		l.log.Warn("checkpoint save failed, retrying", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("checkpoint at step %d: %w", l.state.Step, lastErr)
}

// finish commits the terminal checkpoint and completes the loop.
func (l *Loop) finish() error {
	if err := l.checkpoint(); err != nil {
		l.status = StatusFailed
		return err
	}
	l.status = StatusCompleted
	l.log.Info("training completed", "steps", l.state.Step, "best_metric", l.state.BestMetric, "best_step", l.state.BestStep)
	return nil
}
