package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waveforge/waveforge/internal/dataio"
	"github.com/waveforge/waveforge/internal/orchestrator"
	"github.com/waveforge/waveforge/internal/stage"
	"github.com/waveforge/waveforge/internal/train"
)

var runFlags struct {
	fromStage          string
	stopStage          string
	continueFrom       string
	tag                string
	force              []string
	continueWithCached bool
	dataDir            string
	featureExt         string
	verbose            bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline, skipping stages already cached",
	Long: `Run executes the configured pipeline in dependency order. A stage whose
fingerprint (configuration + upstream artifacts) is already in the cache
is skipped. Interrupting with Ctrl-C commits a best-effort checkpoint at
the next step boundary before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}

		cache, err := openCache(cfg)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		store := newStore(cfg)

		database, err := openDB()
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer database.Close()

		logger := newLogger(runFlags.verbose)
		runner := stage.NewRunner(stage.Collaborators{
			// The deterministic synthetic trainer stands in until a model
			// backend is plugged in; see train.Trainer.
			NewTrainer: func(rank int) (train.Trainer, error) { return train.NewSyntheticTrainer(), nil },
			Data:       dataio.NewFS(runFlags.dataDir, runFlags.featureExt),
		}, logger)
		runner.SetProgress(cmd.OutOrStdout())

		orch := orchestrator.New(cfg, runner)
		orch.SetProgress(cmd.OutOrStdout())

		force := make(map[string]bool, len(runFlags.force))
		for _, s := range runFlags.force {
			force[s] = true
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rc := orchestrator.NewRunContext(runFlags.tag, cache, store, database, logger)
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: pipeline %q\n", rc.RunID, cfg.Pipeline.Name)

		result, runErr := orch.Run(ctx, rc, orchestrator.RunOpts{
			FromStage:          runFlags.fromStage,
			StopStage:          runFlags.stopStage,
			ContinueFrom:       runFlags.continueFrom,
			Force:              force,
			ContinueWithCached: runFlags.continueWithCached,
		})
		if result != nil {
			printRunResult(cmd, result)
		}
		return runErr
	},
}

func printRunResult(cmd *cobra.Command, result *orchestrator.RunResult) {
	rows := make([][]string, 0, len(result.Reports))
	for _, r := range result.Reports {
		detail := ""
		switch {
		case r.Status == "failed":
			detail = r.ErrorKind
			if r.LastCheckpoint != "" {
				detail += " (last checkpoint: " + r.LastCheckpoint + ")"
			}
		case r.CacheHit:
			detail = "cache hit"
		case r.Steps > 0:
			detail = fmt.Sprintf("%d steps, best %.4f", r.Steps, r.BestMetric)
		}
		rows = append(rows, []string{
			r.Stage, r.Kind, r.Status, r.Fingerprint.Short(), r.Duration.Round(time.Millisecond).String(), detail,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"STAGE", "KIND", "STATUS", "FINGERPRINT", "DURATION", "DETAIL"},
		rows,
		nil,
	))
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", result.RunID, result.Status)
}

func init() {
	runCmd.Flags().StringVar(&runFlags.fromStage, "stage", "", "start at this stage (earlier stages must be cached)")
	runCmd.Flags().StringVar(&runFlags.stopStage, "stop-stage", "", "halt after this stage completes")
	runCmd.Flags().StringVar(&runFlags.continueFrom, "continue-from", "", "explicit checkpoint directory for the first train stage")
	runCmd.Flags().StringVar(&runFlags.tag, "tag", "", "tag prefix for the run identifier")
	runCmd.Flags().StringArrayVar(&runFlags.force, "force", nil, "invalidate this stage's cache entry before running (repeatable)")
	runCmd.Flags().BoolVar(&runFlags.continueWithCached, "continue-with-cached", false, "on stage failure, substitute a previously cached artifact instead of halting")
	runCmd.Flags().StringVar(&runFlags.dataDir, "data-dir", "data", "directory holding sample lists and raw features")
	runCmd.Flags().StringVar(&runFlags.featureExt, "feature-ext", "", "file extension for raw feature files")
	runCmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "debug logging")
}
