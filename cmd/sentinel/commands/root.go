// Package commands implements the sentinel CLI commands using cobra.
package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Security operations task runner",
	Long: `Sentinel runs security-operations scenarios (asset discovery, dark web
monitoring, IOC enrichment, penetration tests, threat analysis and a live
threat feed) as staged tasks with a bounded live event feed, alert
promotion and a synthesized report.

Run one interactively with "sentinel run <scenario>", schedule them with
the daemon, or drive them over HTTP with "sentinel serve".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		if noColor || os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./sentinel.yaml and ~/.config/sentinel/config.yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")
}
