package commands

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// Service types
const (
	ServiceLaunchd = "launchd"
	ServiceSystemd = "systemd"
)

const (
	launchdLabel       = "com.sentinel.daemon"
	launchdPlistName   = launchdLabel + ".plist"
	systemdServiceName = "sentinel.service"
)

var installCmd = &cobra.Command{
	Use:   "install [launchd|systemd]",
	Short: "Install the daemon as a user service",
	Long: `Generate and install a user service that keeps the sentinel daemon
running. The daemon applies the configured schedule itself.

Supported init systems:
  launchd  - macOS (creates ~/Library/LaunchAgents plist)
  systemd  - Linux (creates a user systemd unit)

If no init system is specified, auto-detects based on OS.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the daemon user service",
	RunE:  runUninstall,
}

func init() {
	installCmd.Flags().Bool("print", false, "Print the unit instead of installing it")
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}

// serviceSpec is what the generated units start.
type serviceSpec struct {
	Binary     string
	ConfigPath string
	LogDir     string
	Path       string
}

func (s serviceSpec) args() []string {
	args := []string{s.Binary, "daemon", "start", "--foreground"}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	return args
}

func runInstall(cmd *cobra.Command, args []string) error {
	printOnly, _ := cmd.Flags().GetBool("print")

	serviceType := detectServiceType()
	if len(args) > 0 {
		serviceType = args[0]
	}
	if serviceType != ServiceLaunchd && serviceType != ServiceSystemd {
		return fmt.Errorf("unsupported service type: %q (use launchd or systemd)", serviceType)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating sentinel binary: %w", err)
	}
	if binary, err = filepath.EvalSymlinks(binary); err != nil {
		return fmt.Errorf("resolving binary path: %w", err)
	}

	spec := serviceSpec{
		Binary: binary,
		LogDir: filepath.Join(dataDir(cfg), "logs"),
		Path:   os.Getenv("PATH"),
	}
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		if spec.ConfigPath, err = filepath.Abs(p); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if serviceType == ServiceLaunchd {
		if printOnly {
			_, _ = io.WriteString(out, generateLaunchdPlist(spec))
			return nil
		}
		return installLaunchd(out, spec)
	}
	if printOnly {
		_, _ = io.WriteString(out, generateSystemdService(spec))
		return nil
	}
	return installSystemd(out, spec)
}

// detectServiceType picks the init system for the current OS.
func detectServiceType() string {
	if runtime.GOOS == "darwin" {
		return ServiceLaunchd
	}
	return ServiceSystemd
}

func launchdPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdPlistName), nil
}

func systemdServicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user", systemdServiceName), nil
}

func installLaunchd(out io.Writer, spec serviceSpec) error {
	plistPath, err := launchdPlistPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("creating LaunchAgents directory: %w", err)
	}
	if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	_ = exec.Command("launchctl", "unload", plistPath).Run()
	if err := os.WriteFile(plistPath, []byte(generateLaunchdPlist(spec)), 0644); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}
	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		return fmt.Errorf("loading launchd service: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Installed launchd service: %s\n", plistPath)
	return nil
}

func generateLaunchdPlist(spec serviceSpec) string {
	var args strings.Builder
	for _, a := range spec.args() {
		fmt.Fprintf(&args, "        <string>%s</string>\n", xmlEscape(a))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>EnvironmentVariables</key>
    <dict>
        <key>PATH</key>
        <string>%s</string>
    </dict>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`, launchdLabel, args.String(), xmlEscape(spec.Path),
		xmlEscape(filepath.Join(spec.LogDir, "launchd-stdout.log")),
		xmlEscape(filepath.Join(spec.LogDir, "launchd-stderr.log")))
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func installSystemd(out io.Writer, spec serviceSpec) error {
	servicePath, err := systemdServicePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(servicePath), 0755); err != nil {
		return fmt.Errorf("creating systemd directory: %w", err)
	}

	_ = exec.Command("systemctl", "--user", "stop", systemdServiceName).Run()
	if err := os.WriteFile(servicePath, []byte(generateSystemdService(spec)), 0644); err != nil {
		return fmt.Errorf("writing service file: %w", err)
	}
	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", "--now", systemdServiceName},
	} {
		if err := exec.Command("systemctl", args...).Run(); err != nil {
			return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
		}
	}

	_, _ = fmt.Fprintf(out, "Installed systemd service: %s\n", servicePath)
	return nil
}

func generateSystemdService(spec serviceSpec) string {
	quoted := make([]string, 0, len(spec.args()))
	for _, a := range spec.args() {
		if strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		quoted = append(quoted, a)
	}

	return fmt.Sprintf(`[Unit]
Description=Sentinel security task daemon
After=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=10
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=default.target
`, strings.Join(quoted, " "))
}

func runUninstall(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	removed := false

	if plistPath, err := launchdPlistPath(); err == nil && fileExists(plistPath) {
		_ = exec.Command("launchctl", "unload", plistPath).Run()
		if err := os.Remove(plistPath); err != nil {
			return fmt.Errorf("removing plist: %w", err)
		}
		removed = true
		_, _ = fmt.Fprintln(out, "Removed launchd service")
	}

	if servicePath, err := systemdServicePath(); err == nil && fileExists(servicePath) {
		_ = exec.Command("systemctl", "--user", "disable", "--now", systemdServiceName).Run()
		if err := os.Remove(servicePath); err != nil {
			return fmt.Errorf("removing service file: %w", err)
		}
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
		removed = true
		_, _ = fmt.Fprintln(out, "Removed systemd service")
	}

	if !removed {
		return fmt.Errorf("no sentinel service installation found")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
