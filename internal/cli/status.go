package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/waveforge/waveforge/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [RUN_ID]",
	Short: "Show run status (latest run if no ID given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		store := newStore(cfg)

		var rs *pipeline.RunState
		if len(args) == 1 {
			rs, err = store.Get(args[0])
		} else {
			rs, err = store.Latest()
		}
		if err != nil {
			return err
		}
		if rs == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(rs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s (%s): %s\n", rs.RunID, rs.Pipeline, rs.Status)

		ids := make([]string, 0, len(rs.Stages))
		for id := range rs.Stages {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			st := rs.Stages[id]
			detail := ""
			switch {
			case st.Error != "":
				detail = st.Error
			case st.CacheHit:
				detail = "cache hit"
			case st.Steps > 0:
				detail = fmt.Sprintf("%d steps, best %.4f", st.Steps, st.BestMetric)
			}
			rows = append(rows, []string{id, st.Kind, st.Status, shortFP(st.Fingerprint), st.Duration, detail})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"STAGE", "KIND", "STATUS", "FINGERPRINT", "DURATION", "DETAIL"},
			rows,
			nil,
		))
		return nil
	},
}

var statusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		statusFilter, _ := cmd.Flags().GetString("status")

		runs, err := newStore(cfg).List(statusFilter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, rs := range runs {
			rows = append(rows, []string{rs.RunID, rs.Pipeline, rs.Status, rs.CurrentStage, rs.CreatedAt})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"RUN", "PIPELINE", "STATUS", "LAST STAGE", "CREATED"},
			rows,
			nil,
		))
		return nil
	},
}

var statusHistoryCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "Event history from the event log (all runs if no ID given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		if len(args) == 0 {
			limit, _ := cmd.Flags().GetInt("limit")
			ids, err := d.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				last, err := d.GetLastRunEvent(id)
				if err != nil {
					return err
				}
				row := []string{id, "", "", ""}
				if last != nil {
					row = []string{id, last.Event, last.Stage, last.Timestamp}
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"RUN", "LAST EVENT", "STAGE", "TIME"},
				rows,
				nil,
			))
			return nil
		}

		runID := args[0]
		events, err := d.GetRunHistory(runID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events for that run.")
			return nil
		}

		rows := make([][]string, 0, len(events))
		for _, e := range events {
			rows = append(rows, []string{e.Timestamp, e.Event, e.Stage, e.Detail})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"TIME", "EVENT", "STAGE", "DETAIL"},
			rows,
			nil,
		))

		// Recorded stage outcomes, with the last committed checkpoint
		// for anything that trained.
		stageRuns, err := d.GetStageRuns(runID)
		if err != nil {
			return err
		}
		for _, sr := range stageRuns {
			if sr.Kind != "train" {
				continue
			}
			save, err := d.GetLatestCheckpointSave(runID, sr.Stage)
			if err != nil {
				return err
			}
			if save != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "stage %s: last checkpoint at step %d (save %d): %s\n",
					sr.Stage, save.Step, save.SaveCount, save.Path)
			}
		}
		return nil
	},
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusListCmd.Flags().String("status", "", "Filter by run status")
	statusHistoryCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	statusCmd.AddCommand(statusListCmd)
	statusCmd.AddCommand(statusHistoryCmd)
}
