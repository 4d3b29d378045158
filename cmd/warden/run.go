package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/warden"
)

// RunFlags holds flags for the run command.
type RunFlags struct {
	MetricsListen string
}

// shutdownGrace is added to the kill timeout when waiting for the child on exit.
const shutdownGrace = 5 * time.Second

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run and supervise the configured app",
		Long: `Start the app from the config file and supervise it until interrupted.

SIGINT or SIGTERM stops the app gracefully; SIGHUP restarts it.
Exits non-zero when the app fails permanently.

Examples:
  warden run --config app.toml
  warden run --config app.toml --metrics-listen 127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)
			r := runner{out: cmd.OutOrStdout(), signals: sigs}
			return r.run(cmd.Context(), globalFlags.ConfigPath, *runFlags)
		},
	}
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "serve /metrics, /healthz and /status on this address")
	return cmd
}

type runner struct {
	out     io.Writer
	signals <-chan os.Signal
	appOpts []warden.AppOption
	started func(*warden.App) // test hook
}

func (r runner) run(ctx context.Context, configPath string, flags RunFlags) error {
	if configPath == "" {
		return errMissingConfig
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := warden.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if flags.MetricsListen != "" {
		cfg.Metrics.Listen = flags.MetricsListen
	}
	app, err := warden.NewApp(cfg, r.appOpts...)
	if err != nil {
		return err
	}
	log := app.Logger()
	sup := app.Supervisor()

	closeApp := func() error {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Spec.KillTimeout+shutdownGrace)
		defer cancel()
		return app.Close(cctx)
	}

	if err := app.Start(ctx); err != nil {
		_ = closeApp()
		return err
	}
	if r.started != nil {
		r.started(app)
	}

	terminal := make(chan warden.Status, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		st, err := sup.Wait(watchCtx, func(st warden.Status) bool {
			return st.State == warden.FailedPermanently ||
				(st.State == warden.Crashed && !cfg.Spec.AutoRestart)
		})
		if err == nil {
			terminal <- st
		}
	}()

	var (
		failure error
		final   *warden.Status
	)
loop:
	for {
		select {
		case sig := <-r.signals:
			if sig == syscall.SIGHUP {
				log.Info("restart requested", "signal", sig.String())
				if err := sup.Restart(); err != nil {
					log.Warn("restart failed", "error", err)
				}
				continue
			}
			log.Info("shutting down", "signal", sig.String())
			break loop
		case st := <-terminal:
			failure = fmt.Errorf("%s: %s: %s", st.Name, st.Reason, st.LastError)
			final = &st
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	closeErr := closeApp()
	if final == nil {
		st := sup.Status()
		final = &st
	}
	printStatus(r.out, *final)
	if failure != nil {
		return failure
	}
	return closeErr
}
