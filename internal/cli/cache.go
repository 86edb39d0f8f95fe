package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waveforge/waveforge/internal/artifact"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the artifact cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		cache, err := openCache(cfg)
		if err != nil {
			return err
		}

		arts, err := cache.List()
		if err != nil {
			return err
		}
		if len(arts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
			return nil
		}

		rows := make([][]string, 0, len(arts))
		for _, a := range arts {
			rows = append(rows, []string{
				a.Fingerprint.Short(), a.Stage, string(a.Kind),
				fmt.Sprintf("%d", a.SizeBytes), formatCreated(a.CreatedAt),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"FINGERPRINT", "STAGE", "KIND", "BYTES", "CREATED"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
		return nil
	},
}

// formatCreated shortens an RFC3339 timestamp for table display. A
// value that does not parse is shown as stored.
func formatCreated(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

var cacheInvalidateStage string

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [FINGERPRINT]",
	Short: "Remove cached artifacts by fingerprint or stage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && cacheInvalidateStage == "" {
			return fmt.Errorf("a fingerprint argument or --stage is required")
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		cache, err := openCache(cfg)
		if err != nil {
			return err
		}

		if cacheInvalidateStage != "" {
			n, err := cache.InvalidateStage(cacheInvalidateStage)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d artifact(s) for stage %q\n", n, cacheInvalidateStage)
			return nil
		}

		fp := artifact.Fingerprint(args[0])
		if err := cache.Invalidate(fp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", fp.Short())
		return nil
	},
}

var cacheHistoryCmd = &cobra.Command{
	Use:   "history FINGERPRINT",
	Short: "Recorded executions of an artifact fingerprint across runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		runs, err := d.GetStageRunsByFingerprint(args[0])
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No recorded executions for that fingerprint.")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			metric := ""
			if r.BestMetric != nil {
				metric = fmt.Sprintf("%.4f", *r.BestMetric)
			}
			rows = append(rows, []string{
				r.Timestamp, r.RunID, r.Stage, r.Status, fmt.Sprintf("%d", r.Steps), metric,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"TIME", "RUN", "STAGE", "STATUS", "STEPS", "BEST METRIC"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		))
		return nil
	},
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheInvalidateStage, "stage", "", "invalidate every artifact produced by this stage")
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheHistoryCmd)
}
