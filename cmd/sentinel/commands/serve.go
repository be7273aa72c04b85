package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/server"
	"github.com/marcus/sentinel/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the task API: list scenarios, launch tasks, pause, resume or
cancel them, read their live snapshot and fetch results. Finished runs
are recorded and exposed under /runs unless --no-record is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	serveCmd.Flags().Bool("no-record", false, "Do not record runs or serve /runs")
	serveCmd.Flags().Duration("shutdown-timeout", 5*time.Second, "Grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	noRecord, _ := cmd.Flags().GetBool("no-record")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogging(cmd, cfg, false); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("serve")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var st *state.State
	if !noRecord {
		database, s, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		st = s
	}

	aud, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if aud != nil {
		defer func() { _ = aud.Close() }()
	}

	launcher, err := newLauncher(cfg, reg, st, aud)
	if err != nil {
		return err
	}

	var srvOpts []server.Option
	if st != nil {
		srvOpts = append(srvOpts, server.WithHistory(st))
	}
	srv := server.New(launcher, srvOpts...)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Info("termination signal received, shutting down")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP server.
	{
		g.Add(
			func() error {
				return srv.ListenAndServe(addr)
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Errorf("shutdown: %v", err)
				}
			},
		)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sentinel API listening on %s\n", addr)
	return g.Run()
}
