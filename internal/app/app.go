// Package app wires the vocalcheck subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and follows configuration changes until the
// context is cancelled, and Shutdown tears everything down in order.
//
// The Assessment type is the guided session itself: it ties the recording
// protocol, the capture takes, the upload pipeline and the analysis
// orchestrator together.
//
// For testing, inject doubles via functional options (WithBackend,
// WithMicrophone, WithArchive, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/archive"
	"github.com/MrWong99/vocalcheck/internal/backend"
	"github.com/MrWong99/vocalcheck/internal/config"
	"github.com/MrWong99/vocalcheck/internal/health"
	"github.com/MrWong99/vocalcheck/internal/observe"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/internal/resilience"
	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
	"github.com/MrWong99/vocalcheck/pkg/audio/remote"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 10 * time.Second

// Backend is the remote assessment service: it issues session ids, stores
// clips and runs analyses.
type Backend interface {
	protocol.IDSource
	upload.Storage
	analysis.Service

	// Ready reports whether the service can currently be reached.
	Ready(ctx context.Context) error
}

// App owns all subsystem lifetimes of the vocalcheck server.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	scrape   http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	backend    Backend
	mic        capture.Microphone
	archive    archive.Store
	proto      *protocol.Protocol
	assessment *Assessment
	watcher    *config.Watcher
	mux        *http.ServeMux

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects the assessment service instead of creating an HTTP
// client from the backend section.
func WithBackend(b Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMicrophone injects a microphone instead of the websocket-fed remote
// microphone. When m is also an [http.Handler] it is served on /api/capture.
func WithMicrophone(m capture.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithArchive injects a result archive instead of creating one from the
// archive section.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithRegistry replaces the archive backend registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithWatcher makes Run follow changes of the configuration file through w.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New performs all
// initialisation synchronously: backend client, archive connection, the first
// session and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}

	// ── 1. Backend ───────────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Assessment ────────────────────────────────────────────────────
	if err := a.initAssessment(ctx); err != nil {
		a.runClosers(ctx)
		return nil, fmt.Errorf("app: init assessment: %w", err)
	}

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend creates the HTTP client unless one was injected. Without base
// URLs the server runs offline.
func (a *App) initBackend() error {
	if a.backend != nil || len(a.cfg.Backend.BaseURLs) == 0 {
		if a.backend == nil {
			slog.Warn("no backend configured, running offline")
		}
		return nil
	}
	client, err := backend.New(backend.Config{
		BaseURLs: a.cfg.Backend.BaseURLs,
		Token:    a.cfg.Backend.Token,
		Timeout:  a.cfg.Backend.Timeout,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Backend.CircuitBreaker.MaxFailures,
			ResetTimeout: a.cfg.Backend.CircuitBreaker.ResetTimeout,
		},
	}, backend.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.backend = client
	slog.Info("backend configured", "endpoints", len(a.cfg.Backend.BaseURLs))
	return nil
}

// initArchive opens the configured archive unless one was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		store, err := a.registry.CreateArchive(ctx, a.cfg.Archive)
		if err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		a.archive = store
		slog.Info("archive opened", "backend", a.cfg.Archive.Backend)
	}
	a.closers = append(a.closers, a.archive.Close)
	return nil
}

// initAssessment creates the first session and the Assessment around it.
func (a *App) initAssessment(ctx context.Context) error {
	var ids protocol.IDSource = protocol.LocalIDs{}
	if a.backend != nil {
		ids = a.backend
	}
	proto, err := protocol.New(ctx, ids, a.cfg.Stages)
	if err != nil {
		return err
	}
	a.proto = proto

	if a.mic == nil {
		a.mic = remote.New()
	}

	cfg := AssessmentConfig{
		Protocol:   proto,
		Microphone: a.mic,
		Transcoder: audio.NewTranscoder(audio.WithTargetRate(a.cfg.Audio.SampleRate)),
		Archive:    a.archive,
		Metrics:    a.metrics,
		CaptureOptions: []capture.Option{
			capture.WithMaxDuration(a.cfg.Audio.MaxDuration),
			capture.WithMeterInterval(a.cfg.Audio.MeterInterval),
			capture.WithMeterWindow(a.cfg.Audio.MeterWindow),
		},
		AnalysisOptions: []analysis.Option{
			analysis.WithInterval(a.cfg.Analysis.PollInterval),
			analysis.WithPollErrorBudget(a.cfg.Analysis.PollErrorBudget),
		},
		Calibration: a.cfg.Analysis.Calibration,
	}
	if a.backend != nil {
		cfg.Uploads = upload.New(a.backend, proto, upload.WithMetrics(a.metrics))
		cfg.Analysis = a.backend
	}
	as, err := NewAssessment(cfg)
	if err != nil {
		return err
	}
	a.assessment = as
	a.closers = append(a.closers, as.Close)

	slog.Info("session created", "session_id", proto.SessionID(), "stages", len(a.cfg.Stages), "online", as.Online())
	return nil
}

// initRoutes registers the health, metrics and microphone endpoints. The
// assessment API is registered by the caller on [App.Mux].
func (a *App) initRoutes() {
	a.mux = http.NewServeMux()

	var checkers []health.Checker
	if a.backend != nil {
		checkers = append(checkers, health.Checker{Name: "backend", Check: a.backend.Ready})
	}
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}
	health.New(checkers...).Register(a.mux)

	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.mux.Handle("GET /metrics", a.scrape)

	if h, ok := a.mic.(http.Handler); ok {
		a.mux.Handle("GET /api/capture", h)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Mux returns the HTTP routes served by Run.
func (a *App) Mux() *http.ServeMux { return a.mux }

// Assessment returns the guided session.
func (a *App) Assessment() *Assessment { return a.assessment }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and, when a watcher is set,
// applies configuration changes. It blocks until ctx is cancelled or the
// server fails, and returns ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// OnConfigChange applies a reloaded configuration. It is meant to be passed
// to [config.NewWatcher]. Log level, stages and calibration apply at once;
// other sections need a restart and are only reported.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StagesChanged {
		if err := a.assessment.SetStages(d.NewStages); err != nil {
			slog.Error("stage change rejected", "err", err)
		} else {
			slog.Info("stages changed, effective from the next session", "stages", len(d.NewStages))
		}
	}
	if d.CalibrationChanged {
		a.assessment.SetCalibration(new.Analysis.Calibration)
		slog.Info("calibration changed")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a server restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.runClosers(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
