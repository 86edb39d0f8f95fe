package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waveforge/waveforge/internal/analytics"
)

var analyticsPipeline string

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile wall-clock durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		durations, err := analytics.QueryStageDurations(d, analyticsPipeline)
		if err != nil {
			return err
		}
		if len(durations) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No completed stage runs recorded.")
			return nil
		}

		rows := make([][]string, 0, len(durations))
		for _, sd := range durations {
			rows = append(rows, []string{
				sd.Stage, fmt.Sprintf("%d", sd.Count),
				fmt.Sprintf("%.1fs", sd.Avg), fmt.Sprintf("%.1fs", sd.P50), fmt.Sprintf("%.1fs", sd.P95),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"STAGE", "RUNS", "AVG", "P50", "P95"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var analyticsCacheCmd = &cobra.Command{
	Use:   "cache-hits",
	Short: "How often the artifact cache made execution unnecessary",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		eff, err := analytics.QueryCacheEffectiveness(d, analyticsPipeline)
		if err != nil {
			return err
		}
		if len(eff) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stage events recorded.")
			return nil
		}

		rows := make([][]string, 0, len(eff))
		for _, e := range eff {
			rows = append(rows, []string{
				e.Stage, fmt.Sprintf("%d", e.Total),
				fmt.Sprintf("%.1f%%", e.Skipped), fmt.Sprintf("%.1f%%", e.Executed), fmt.Sprintf("%.1f%%", e.Failed),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"STAGE", "TOTAL", "SKIPPED", "EXECUTED", "FAILED"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var analyticsTrainingCmd = &cobra.Command{
	Use:   "training",
	Short: "Aggregate training stats per train stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		sums, err := analytics.QueryTrainingSummaries(d, analyticsPipeline)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No completed training runs recorded.")
			return nil
		}

		rows := make([][]string, 0, len(sums))
		for _, ts := range sums {
			rows = append(rows, []string{
				ts.Stage, fmt.Sprintf("%d", ts.Runs), fmt.Sprintf("%d", ts.TotalSteps),
				fmt.Sprintf("%.4f", ts.BestMetric), fmt.Sprintf("%.1f", ts.AvgWorkers),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"STAGE", "RUNS", "TOTAL STEPS", "BEST METRIC", "AVG WORKERS"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Run outcomes grouped by day",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		tp, err := analytics.QueryPipelineThroughput(d, analyticsPipeline)
		if err != nil {
			return err
		}
		if len(tp) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		rows := make([][]string, 0, len(tp))
		for _, p := range tp {
			rows = append(rows, []string{
				p.Period, fmt.Sprintf("%d", p.Started), fmt.Sprintf("%d", p.Completed),
				fmt.Sprintf("%d", p.Failed), fmt.Sprintf("%d", p.Cancelled),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"DAY", "STARTED", "COMPLETED", "FAILED", "CANCELLED"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var analyticsRunCmd = &cobra.Command{
	Use:   "run RUN_ID",
	Short: "Full event timeline for one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		timeline, err := analytics.QueryRunDetail(d, args[0])
		if err != nil {
			return err
		}
		if len(timeline) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events for that run.")
			return nil
		}

		rows := make([][]string, 0, len(timeline))
		for _, e := range timeline {
			rows = append(rows, []string{e.Timestamp, e.Type, e.Event, e.Stage, e.Detail})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"TIME", "TYPE", "EVENT", "STAGE", "DETAIL"},
			rows,
			nil,
		))
		return nil
	},
}

func init() {
	analyticsCmd.PersistentFlags().StringVar(&analyticsPipeline, "pipeline", "", "restrict to one pipeline name")
	analyticsCmd.AddCommand(analyticsStageDurationCmd)
	analyticsCmd.AddCommand(analyticsCacheCmd)
	analyticsCmd.AddCommand(analyticsTrainingCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
	analyticsCmd.AddCommand(analyticsRunCmd)
}
