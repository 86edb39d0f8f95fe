package config

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full training pipeline: metadata, defaults, and stages.
type Pipeline struct {
	Name     string        `yaml:"name"`
	ExpDir   string        `yaml:"exp_dir"`
	CacheDir string        `yaml:"cache_dir"`
	Defaults StageDefaults `yaml:"defaults"`
	Stages   []Stage       `yaml:"stages"`
}

// StageDefaults holds default values applied to stages that don't specify their own.
type StageDefaults struct {
	Workers         int `yaml:"workers"`
	Epochs          int `yaml:"epochs"`
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// Stage defines a single pipeline stage. Params is an opaque payload:
// the orchestrator only hashes it for fingerprinting, while the stage
// runner interprets the keys it understands.
type Stage struct {
	ID          string                 `yaml:"id"`
	Kind        string                 `yaml:"kind"` // preprocess, train, extract, evaluate
	DependsOn   []string               `yaml:"depends_on"`
	Outputs     []string               `yaml:"outputs"` // checkpoint, feature-set, index-set
	Params      map[string]interface{} `yaml:"params"`
	Concurrency Concurrency            `yaml:"concurrency"`
}

// Concurrency holds a stage's declared execution-mode preferences.
type Concurrency struct {
	Workers            int  `yaml:"workers"`
	ForceSingleProcess bool `yaml:"force_single_process"`
	ParallelWriters    bool `yaml:"parallel_writers"`
}

// StageKinds is the fixed set of stage kinds this pipeline family supports.
var StageKinds = map[string]bool{
	"preprocess": true,
	"train":      true,
	"extract":    true,
	"evaluate":   true,
}

// ArtifactKinds is the set of output kinds a stage may declare.
var ArtifactKinds = map[string]bool{
	"checkpoint":  true,
	"feature-set": true,
	"index-set":   true,
}

// Stage returns the stage with the given ID, or nil.
func (p *Pipeline) Stage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// IntParam reads an integer from a stage's opaque params, falling back
// to def when absent. YAML numbers decode as int; JSON round-trips
// produce float64, so both are accepted.
func (s *Stage) IntParam(key string, def int) int {
	v, ok := s.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// StringParam reads a string from a stage's opaque params.
func (s *Stage) StringParam(key string, def string) string {
	if v, ok := s.Params[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}
