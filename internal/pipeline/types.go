package pipeline

// RunState is the top-level persisted state for a single pipeline run.
type RunState struct {
	RunID        string                 `json:"run_id"`
	Pipeline     string                 `json:"pipeline"`
	ExpDir       string                 `json:"exp_dir"`
	CurrentStage string                 `json:"current_stage"`
	Stages       map[string]*StageState `json:"stages"`
	Status       string                 `json:"status"` // "pending", "in_progress", "completed", "failed", "cancelled"
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
}

// StageState records the observed state of one stage within a run.
type StageState struct {
	Kind         string  `json:"kind"`
	Status       string  `json:"status"` // "pending", "running", "completed", "skipped", "failed"
	Fingerprint  string  `json:"fingerprint"`
	ArtifactPath string  `json:"artifact_path,omitempty"`
	CacheHit     bool    `json:"cache_hit"`
	Steps        int     `json:"steps,omitempty"`
	BestMetric   float64 `json:"best_metric,omitempty"`
	Workers      int     `json:"workers,omitempty"`
	Duration     string  `json:"duration,omitempty"`
	Error        string  `json:"error,omitempty"`
}
