package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/config"
)

var errConfigExists = errors.New("config already exists")

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Initialize a new sentinel configuration file.

By default, creates sentinel.yaml in the current directory.
Use --global to create a global config at ~/.config/sentinel/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("global", false, "Create global config instead of project config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()
	styles := newRunStyles()

	configPath := config.GlobalConfigPath()
	configType := "global"
	if !global {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configPath = filepath.Join(cwd, config.ProjectConfigName)
		configType = "project"
	}

	err := writeConfigTemplate(configPath, force)
	if errors.Is(err, errConfigExists) {
		_, _ = fmt.Fprintf(out, "%s %s\n", styles.Warn.Render("Config already exists:"), configPath)
		_, _ = fmt.Fprint(out, "Overwrite? [y/N]: ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			_, _ = fmt.Fprintln(out, "Aborted.")
			return nil
		}
		err = writeConfigTemplate(configPath, true)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "\n%s %s\n\n", styles.Success.Render(fmt.Sprintf("Created %s config:", configType)), configPath)
	_, _ = fmt.Fprintln(out, styles.Accent.Render("Next steps:"))
	_, _ = fmt.Fprintln(out, "  1. Edit the schedule and the scenarios it runs")
	_, _ = fmt.Fprintln(out, "  2. Run 'sentinel doctor' to verify")
	_, _ = fmt.Fprintln(out, "  3. Run 'sentinel scenarios list' and try one with 'sentinel run <scenario>'")
	_, _ = fmt.Fprintln(out)
	return nil
}

// writeConfigTemplate writes the starter config to path. It refuses to
// replace an existing file unless force is set.
func writeConfigTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errConfigExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

const configTemplate = `# Sentinel configuration
#
# A project file (./sentinel.yaml) is merged over the global one
# (~/.config/sentinel/config.yaml). Every key can also be set from the
# environment, e.g. SENTINEL_SERVER_ADDR.

logging:
  level: info                    # debug | info | warn | error
  path: ~/.local/share/sentinel/logs
  format: json                   # json | text
  retention_days: 7

db:
  path: ~/.local/share/sentinel/sentinel.db

# Defaults for every feed. Scenarios may override them.
feed:
  interval: 1s
  event_capacity: 20
  alert_capacity: 5
  # promote_severity: high       # default promotes critical only
  # seed: 42                     # fixed seed for reproducible feeds

# Multiplies phase durations and feed intervals. 0.1 runs ten times faster.
time_scale: 1

# Daemon schedule. Choose either cron OR interval (not both).
schedule:
  cron: "0 2 * * *"              # 2 AM daily
  # interval: 6h
  # window:
  #   start: "22:00"
  #   end: "06:00"
  #   timezone: "UTC"
  scenarios:
    - asset-discovery
    - darkweb-monitor

server:
  addr: 127.0.0.1:8088
  retain: 100                    # finished tasks kept listed

reports:
  dir: ~/.local/share/sentinel/reports
  format: md                     # md | html | json | yaml

audit:
  enabled: true
  dir: ~/.local/share/sentinel/audit

# Override a built-in scenario or define a new one.
# scenarios:
#   phishing-triage:
#     title: Phishing Triage
#     promote_severity: high
#     phases:
#       - name: Collect
#         duration: 5s
#       - name: Detonate
#         duration: 10s
#         description: Open attachments in the sandbox
`
