package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "waveforge",
	Short: "waveforge orchestrates staged training pipelines",
	Long: `waveforge runs generative-audio training pipelines as dependency-ordered
stages with fingerprint-addressed artifact caching and checkpoint/resume.

A pipeline is declared in pipeline.yaml; each stage's outputs are cached
by a fingerprint of its configuration and upstream artifacts, so reruns
skip everything that is already up to date. Events are logged to SQLite
in ~/.waveforge/ and run state lives under the experiment directory.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "path to pipeline config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
}
