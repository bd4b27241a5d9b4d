package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/svcvisor"
	"github.com/loykin/svcvisor/internal/config"
	"github.com/loykin/svcvisor/internal/logger"
)

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Start all configured services and supervise them",
		Long: `Start PostgreSQL, Ollama and the backend in that order, reusing compatible
instances that are already running. The first SIGINT/SIGTERM stops owned services
gracefully; a second one kills them immediately.

Examples:
  svcvisor run                      # built-in defaults
  svcvisor run svcvisor.toml        # with a config file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			return runSupervisor(cmd.Context(), path, runFlags, sigs, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().DurationVar(&runFlags.StopTimeout, "stop-timeout", time.Minute, "upper bound for the graceful shutdown")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		c := config.Defaults()
		return &c, nil
	}
	c, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return c, nil
}

// runSupervisor runs until a signal arrives on sigs or startup fails.
func runSupervisor(ctx context.Context, path string, flags *RunFlags, sigs <-chan os.Signal, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := loadConfig(path)
	if err != nil {
		return err
	}
	c.Log.LevelVar = new(slog.LevelVar)
	log, closer, err := logger.New(c.Log, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if path != "" {
		err := config.Watch(path, func(nc *config.Config) {
			lvl, err := logger.ParseLevel(nc.Log.Level)
			if err != nil {
				return
			}
			if lvl != c.Log.LevelVar.Level() {
				c.Log.LevelVar.Set(lvl)
				log.Info("log level changed", "level", lvl.String())
			}
		}, func(err error) {
			log.Warn("ignoring invalid config change", "error", err)
		})
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}

	app, err := svcvisor.New(c, svcvisor.WithLogger(log))
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	started := make(chan error, 1)
	go func() { started <- app.Start(startCtx) }()

	select {
	case err := <-started:
		if err != nil {
			var se *svcvisor.StartError
			if errors.As(err, &se) {
				_, _ = fmt.Fprintln(stderr, se.Message())
			}
			_ = app.Stop(context.Background())
			return err
		}
		log.Info("all services ready", "services", app.Services())
	case sig := <-sigs:
		log.Warn("interrupted during startup, killing services", "signal", sig.String())
		cancelStart()
		killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return app.Kill(killCtx)
	case <-ctx.Done():
		cancelStart()
		return app.Kill(context.Background())
	}

	select {
	case sig := <-sigs:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		log.Info("shutting down", "reason", ctx.Err())
	}
	return shutdown(app, flags.StopTimeout, sigs, log)
}

// shutdown stops services gracefully; another signal switches to an immediate kill.
func shutdown(app *svcvisor.App, timeout time.Duration, sigs <-chan os.Signal, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Stop(ctx) }()
	select {
	case err := <-done:
		return err
	case sig := <-sigs:
		log.Warn("second signal, killing services", "signal", sig.String())
		cancel()
		killCtx, killCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer killCancel()
		return errors.Join(app.Kill(killCtx), <-done)
	}
}
