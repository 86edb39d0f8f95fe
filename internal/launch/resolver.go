// Package launch decides how a stage executes: single-process or
// multi-worker data-parallel. Resolve is a pure function from declared
// preferences and detected resources to an ExecutionPlan, so launch
// policy is testable without starting any workers.
package launch

import (
	"fmt"

	"github.com/waveforge/waveforge/internal/config"
)

// Mode is the launch shape chosen for a stage.
type Mode string

const (
	ModeSingle       Mode = "single"
	ModeDataParallel Mode = "data-parallel"
)

// ExecutionPlan describes the resolved worker topology for one stage
// invocation. It is ephemeral: recomputed per launch, never persisted.
type ExecutionPlan struct {
	Mode        Mode
	WorkerCount int
	Devices     []int // device assignment, indexed by rank
	// SingleWriter funnels artifact registration through rank 0 even
	// when computation is parallel.
	SingleWriter bool
}

// Resolve chooses the execution mode for a stage given its declared
// concurrency preferences and the detected worker/device count.
//
// Rank 0 is always the coordinator: the only rank allowed to write
// checkpoints and register artifacts, which avoids racing durable
// writes. When the stage's output contract forbids parallel writers the
// plan still permits parallel computation; partial results are merged
// before the coordinator registers them.
func Resolve(pref config.Concurrency, detected int) ExecutionPlan {
	workers := detected
	if pref.Workers > 0 && pref.Workers < workers {
		workers = pref.Workers
	}

	if workers <= 1 || pref.ForceSingleProcess {
		return ExecutionPlan{
			Mode:         ModeSingle,
			WorkerCount:  1,
			Devices:      []int{0},
			SingleWriter: true,
		}
	}

	devices := make([]int, workers)
	for rank := range devices {
		devices[rank] = rank
	}
	return ExecutionPlan{
		Mode:         ModeDataParallel,
		WorkerCount:  workers,
		Devices:      devices,
		SingleWriter: !pref.ParallelWriters,
	}
}

// IsCoordinator reports whether the given rank performs durable writes.
func (p ExecutionPlan) IsCoordinator(rank int) bool {
	return rank == 0
}

// Device returns the compute device assigned to rank.
func (p ExecutionPlan) Device(rank int) (int, error) {
	if rank < 0 || rank >= len(p.Devices) {
		return 0, fmt.Errorf("rank %d out of range (workers=%d)", rank, p.WorkerCount)
	}
	return p.Devices[rank], nil
}

func (p ExecutionPlan) String() string {
	return fmt.Sprintf("%s(workers=%d)", p.Mode, p.WorkerCount)
}
