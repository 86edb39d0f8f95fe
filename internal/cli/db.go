package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waveforge/waveforge/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log management",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the event log and apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		path, _ := db.DefaultDBPath()
		fmt.Fprintf(cmd.OutOrStdout(), "event log ready at %s\n", path)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all event log tables and re-apply the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "event log reset")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbResetCmd)
}
