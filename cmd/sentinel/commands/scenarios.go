package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/scenarios"
)

var scenariosCmd = &cobra.Command{
	Use:     "scenarios",
	Aliases: []string{"scenario"},
	Short:   "List and inspect scenarios",
}

var scenariosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available scenarios",
	Long: `List the built-in scenarios plus any defined or overridden in config.

Use --json to output as JSON for scripting.`,
	RunE: runScenariosList,
}

var scenariosShowCmd = &cobra.Command{
	Use:   "show <scenario>",
	Short: "Show a scenario's phases and feed settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runScenariosShow,
}

func init() {
	scenariosListCmd.Flags().Bool("json", false, "Output as JSON")
	scenariosShowCmd.Flags().Bool("json", false, "Output as JSON")

	scenariosCmd.AddCommand(scenariosListCmd)
	scenariosCmd.AddCommand(scenariosShowCmd)
	rootCmd.AddCommand(scenariosCmd)
}

// scenarioInfo is the JSON form of a scenario.
type scenarioInfo struct {
	Name          string      `json:"name"`
	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	Phases        []phaseInfo `json:"phases"`
	Duration      string      `json:"duration"`
	Interval      string      `json:"interval"`
	Jitter        string      `json:"jitter,omitempty"`
	EventCapacity int         `json:"event_capacity"`
	AlertCapacity int         `json:"alert_capacity"`
	Promote       string      `json:"promote_severity"`
}

type phaseInfo struct {
	Name        string `json:"name"`
	Duration    string `json:"duration"`
	Description string `json:"description,omitempty"`
}

func toScenarioInfo(sc scenarios.Scenario) scenarioInfo {
	info := scenarioInfo{
		Name:          sc.Name,
		Title:         sc.Title,
		Description:   sc.Description,
		Duration:      sc.Duration().String(),
		Interval:      sc.Interval.String(),
		EventCapacity: sc.EventCapacity,
		AlertCapacity: sc.AlertCapacity,
		Promote:       string(sc.Promote),
	}
	if sc.Jitter > 0 {
		info.Jitter = sc.Jitter.String()
	}
	if info.Promote == "" {
		info.Promote = "critical"
	}
	for _, p := range sc.Phases {
		info.Phases = append(info.Phases, phaseInfo{
			Name:        p.Name,
			Duration:    p.Duration.String(),
			Description: p.Description,
		})
	}
	return info
}

func runScenariosList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	list := reg.List()

	out := cmd.OutOrStdout()
	if asJSON {
		infos := make([]scenarioInfo, 0, len(list))
		for _, sc := range list {
			infos = append(infos, toScenarioInfo(sc))
		}
		return writeJSON(out, infos)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTITLE\tPHASES\tDURATION\tINTERVAL")
	for _, sc := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			sc.Name, sc.Title, len(sc.Phases), sc.Duration(), sc.Interval)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d scenario(s)\n", len(list))
	return nil
}

func runScenariosShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	sc, err := reg.Get(args[0])
	if err != nil {
		return fmt.Errorf("%w\nRun 'sentinel scenarios list' to see available scenarios", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, toScenarioInfo(sc))
	}
	printScenario(out, sc)
	return nil
}

func printScenario(out io.Writer, sc scenarios.Scenario) {
	styles := newRunStyles()
	info := toScenarioInfo(sc)

	_, _ = fmt.Fprintf(out, "%s %s\n", styles.Title.Render(info.Title), styles.Muted.Render("("+info.Name+")"))
	if info.Description != "" {
		_, _ = fmt.Fprintf(out, "%s\n", info.Description)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "  %s %s\n", styles.Label.Render("Duration: "), info.Duration)
	_, _ = fmt.Fprintf(out, "  %s %s", styles.Label.Render("Interval: "), info.Interval)
	if info.Jitter != "" {
		_, _ = fmt.Fprintf(out, " (+/- %s)", info.Jitter)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "  %s %d events, %d alerts\n", styles.Label.Render("Capacity: "), info.EventCapacity, info.AlertCapacity)
	_, _ = fmt.Fprintf(out, "  %s %s and above\n", styles.Label.Render("Promotes: "), info.Promote)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "%s\n", styles.Phase.Render("Phases"))
	for i, p := range info.Phases {
		_, _ = fmt.Fprintf(out, "  %d. %-28s %s\n", i+1, p.Name, styles.Muted.Render(p.Duration))
		if p.Description != "" {
			_, _ = fmt.Fprintf(out, "     %s\n", styles.Muted.Render(p.Description))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
