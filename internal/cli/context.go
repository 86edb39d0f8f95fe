package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/waveforge/waveforge/internal/artifact"
	"github.com/waveforge/waveforge/internal/config"
	"github.com/waveforge/waveforge/internal/db"
	"github.com/waveforge/waveforge/internal/pipeline"
)

// loadConfig resolves the pipeline config from --config or the default
// search path.
func loadConfig() (*config.PipelineConfig, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// loadValidConfig loads and validates, failing on the first bad config.
func loadValidConfig() (*config.PipelineConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		if len(errs) == 1 {
			return nil, fmt.Errorf("invalid config: %s", errs[0])
		}
		return nil, fmt.Errorf("invalid config: %s (and %d more)", errs[0], len(errs)-1)
	}
	return cfg, nil
}

// openCache opens the artifact cache under the configured cache dir.
func openCache(cfg *config.PipelineConfig) (*artifact.Cache, error) {
	return artifact.Open(cfg.Pipeline.CacheDir)
}

// newStore returns the run-state store under the experiment dir.
func newStore(cfg *config.PipelineConfig) *pipeline.Store {
	return pipeline.NewStore(filepath.Join(cfg.Pipeline.ExpDir, "runs"))
}

// openDB opens the event log, applying migrations.
func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// newLogger builds the CLI's slog logger; verbose enables debug level.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
