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

	"github.com/MrWong99/vocalcheck/internal/app"
	"github.com/MrWong99/vocalcheck/internal/config"
	"github.com/MrWong99/vocalcheck/internal/observe"
	"github.com/MrWong99/vocalcheck/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assessment server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func serve(ctx context.Context, configPath string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		application.OnConfigChange(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return err
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("vocalcheck starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(out, cfg)

	application, err = app.New(ctx, cfg,
		app.WithLevelVar(&level),
		app.WithWatcher(watcher),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	web.New(application.Assessment()).Register(application.Mux())

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	backend := "(offline)"
	if n := len(cfg.Backend.BaseURLs); n > 0 {
		backend = fmt.Sprintf("%d endpoint(s)", n)
	}
	archive := cfg.Archive.Backend
	if archive == "" {
		archive = "(disabled)"
	}
	recording := 0
	for _, st := range cfg.Stages {
		if st.Records() {
			recording += st.Required
		}
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       vocalcheck startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Backend         : %-19s ║\n", backend)
	fmt.Fprintf(w, "║  Archive         : %-19s ║\n", archive)
	fmt.Fprintf(w, "║  Stages          : %-19d ║\n", len(cfg.Stages))
	fmt.Fprintf(w, "║  Clips required  : %-19d ║\n", recording)
	fmt.Fprintf(w, "║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	fmt.Fprintf(w, "║  Max take        : %-19s ║\n", cfg.Audio.MaxDuration)
	fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}
