package train

// TrainingState is the mutable progress of one running stage instance.
// It is owned exclusively by that instance: Loop.step is the only write
// access point. Persisted state must allow exact resumption.
type TrainingState struct {
	Epoch      int     `json:"epoch"`
	Step       int     `json:"step"` // global step across epochs
	BestMetric float64 `json:"best_metric"`
	BestStep   int     `json:"best_step"`
	SaveCount  int     `json:"save_count"` // monotonically increasing
}

// Status is the lifecycle state of a training loop.
type Status string

const (
	StatusFresh     Status = "fresh"
	StatusRunning   Status = "running"
	StatusSaving    Status = "saving"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)
