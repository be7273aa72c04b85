package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `List recorded launches and control actions, newest first.

Every launch, pause, resume and cancel is recorded, whether it came from
the dashboard, the daemon or the API. Requests the task refused are
listed as "rejected".`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntP("limit", "n", 50, "Number of entries to show (0 for all)")
	auditCmd.Flags().String("task", "", "Only show entries for this task id or prefix")
	auditCmd.Flags().String("action", "", "Only show this action (launch, pause, resume, cancel, finish, rejected)")
	auditCmd.Flags().String("since", "", "Only show entries after this (24h, 7d, today, YYYY-MM-DD)")
	auditCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	taskID, _ := cmd.Flags().GetString("task")
	action, _ := cmd.Flags().GetString("action")
	sinceFlag, _ := cmd.Flags().GetString("since")
	asJSON, _ := cmd.Flags().GetBool("json")

	filter := audit.Filter{TaskID: taskID, Action: audit.Action(action)}
	if action != "" && !validAction(filter.Action) {
		return fmt.Errorf("unknown action %q", action)
	}
	if sinceFlag != "" {
		since, err := parseTimeInput(sinceFlag, time.Now())
		if err != nil {
			return err
		}
		filter.Since = since
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	events, err := audit.Recent(cfg.Audit.Dir, limit, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if events == nil {
			events = []audit.Event{}
		}
		return writeJSON(out, events)
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintln(out, "No audit entries.")
		return nil
	}
	printAuditEvents(out, events)
	return nil
}

func validAction(a audit.Action) bool {
	switch a {
	case audit.ActionLaunch, audit.ActionPause, audit.ActionResume,
		audit.ActionCancel, audit.ActionFinish, audit.ActionRejected:
		return true
	}
	return false
}

func printAuditEvents(out io.Writer, events []audit.Event) {
	styles := newRunStyles()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tACTION\tTASK\tSCENARIO\tORIGIN\tSTATUS\tDETAIL")
	for _, e := range events {
		act := string(e.Action)
		detail := e.Error
		if e.Action == audit.ActionRejected {
			act = styles.Error.Render(act)
			if req := e.Metadata["requested"]; req != "" {
				detail = req + ": " + detail
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			act,
			shortID(e.TaskID),
			e.Scenario,
			e.Origin,
			e.Status,
			detail,
		)
	}
	_ = w.Flush()
}
