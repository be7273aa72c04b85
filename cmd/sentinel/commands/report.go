package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/reporting"
	"github.com/marcus/sentinel/internal/state"
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Render the report of a recorded run",
	Long: `Render the synthesized result of a recorded run.

The run id may be a unique prefix. Use --from to re-render a JSON report
saved earlier instead of reading history. The output goes to stdout
unless --output names a file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringP("format", "f", "md", "Output format: md, html, json, yaml")
	reportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	reportCmd.Flags().String("from", "", "Render a saved JSON report file")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	formatFlag, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	from, _ := cmd.Flags().GetString("from")

	format, err := reporting.ParseFormat(formatFlag)
	if err != nil {
		return err
	}

	var res *reporting.Result
	switch {
	case from != "":
		res, err = reporting.Load(from)
		if err != nil {
			return err
		}
	case len(args) == 1:
		res, err = resultFromHistory(cmd, args[0])
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("a run id or --from is required")
	}

	body, err := reporting.Render(res, format)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(output, body, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", output)
	return nil
}

func resultFromHistory(cmd *cobra.Command, id string) (*reporting.Result, error) {
	var res *reporting.Result
	err := withHistory(cmd, func(st *state.State) error {
		rec, err := st.GetRun(id)
		if err != nil {
			if errors.Is(err, state.ErrRunNotFound) {
				return fmt.Errorf("%w\nRun 'sentinel history' to list recorded runs", err)
			}
			return err
		}
		if rec.Result == nil {
			return fmt.Errorf("run %s ended %s without a result", shortID(rec.ID), rec.Status)
		}
		res = rec.Result
		return nil
	})
	return res, err
}
