package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/orchestrator"
	"github.com/marcus/sentinel/internal/state"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs",
	Long: `List recorded runs, newest first.

Use --scenario to show one scenario's runs and -n to change how many.`,
	RunE: runHistoryList,
}

var historySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize runs over a period",
	RunE:  runHistorySummary,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs",
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().StringP("scenario", "s", "", "Only show runs of this scenario")
	historyCmd.Flags().Bool("json", false, "Output as JSON")

	historySummaryCmd.Flags().String("since", "7d", "Start of the period (7d, 24h, today, YYYY-MM-DD)")
	historySummaryCmd.Flags().Bool("json", false, "Output as JSON")

	historyPruneCmd.Flags().String("older-than", "30d", "Delete runs started before this (30d, YYYY-MM-DD)")

	historyCmd.AddCommand(historySummaryCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func withHistory(cmd *cobra.Command, fn func(st *state.State) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	database, st, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	return fn(st)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	scenario, _ := cmd.Flags().GetString("scenario")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withHistory(cmd, func(st *state.State) error {
		recs, err := st.RecentRuns(limit, scenario)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			if recs == nil {
				recs = []state.RunRecord{}
			}
			return writeJSON(out, recs)
		}
		if len(recs) == 0 {
			_, _ = fmt.Fprintln(out, "No runs recorded.")
			return nil
		}
		printRuns(out, recs)
		return nil
	})
}

func printRuns(out io.Writer, recs []state.RunRecord) {
	styles := newRunStyles()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSCENARIO\tSTATUS\tSTARTED\tDURATION\tEVENTS\tALERTS\tORIGIN")
	for _, r := range recs {
		status := string(r.Status)
		switch r.Status {
		case orchestrator.StatusCompleted:
			status = styles.Success.Render(status)
		case orchestrator.StatusFailed:
			status = styles.Error.Render(status)
		case orchestrator.StatusCancelled:
			status = styles.Warn.Render(status)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(r.ID),
			r.Scenario,
			status,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Duration().Round(time.Second),
			r.EventCount,
			r.AlertCount,
			r.Origin,
		)
	}
	_ = w.Flush()
}

func runHistorySummary(cmd *cobra.Command, args []string) error {
	sinceFlag, _ := cmd.Flags().GetString("since")
	asJSON, _ := cmd.Flags().GetBool("json")

	since, err := parseTimeInput(sinceFlag, time.Now())
	if err != nil {
		return err
	}

	return withHistory(cmd, func(st *state.State) error {
		sum, err := st.SummarySince(since)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, sum)
		}
		printSummary(out, sum, since)
		return nil
	})
}

func printSummary(out io.Writer, sum state.Summary, since time.Time) {
	styles := newRunStyles()
	_, _ = fmt.Fprintf(out, "%s %s\n\n", styles.Title.Render("Runs since"), since.Local().Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Total:    "), sum.TotalRuns)
	_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Completed:"), sum.Completed)
	_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Cancelled:"), sum.Cancelled)
	_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Failed:   "), sum.Failed)
	_, _ = fmt.Fprintf(out, "  %s %d events, %d alerts\n", styles.Label.Render("Feed:     "), sum.Events, sum.Alerts)

	if len(sum.ScenarioCount) == 0 {
		return
	}
	names := make([]string, 0, len(sum.ScenarioCount))
	for name := range sum.ScenarioCount {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := sum.ScenarioCount[names[i]], sum.ScenarioCount[names[j]]
		if ci != cj {
			return ci > cj
		}
		return names[i] < names[j]
	})
	_, _ = fmt.Fprintf(out, "\n%s\n", styles.Phase.Render("By scenario"))
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-24s %d\n", name, sum.ScenarioCount[name])
	}
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetString("older-than")
	cutoff, err := parseTimeInput(olderThan, time.Now())
	if err != nil {
		return err
	}

	return withHistory(cmd, func(st *state.State) error {
		n, err := st.Prune(cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			if err := st.Compact(); err != nil {
				return err
			}
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s) started before %s\n", n, cutoff.Local().Format("2006-01-02 15:04"))
		return nil
	})
}
