package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	analysismock "github.com/MrWong99/vocalcheck/internal/analysis/mock"
	"github.com/MrWong99/vocalcheck/internal/app"
	"github.com/MrWong99/vocalcheck/internal/archive"
	"github.com/MrWong99/vocalcheck/internal/config"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	uploadmock "github.com/MrWong99/vocalcheck/internal/upload/mock"
	audiomock "github.com/MrWong99/vocalcheck/pkg/audio/mock"
)

// fakeBackend combines the storage and analysis mocks with a counting id
// source.
type fakeBackend struct {
	*uploadmock.Storage
	*analysismock.Service

	mu       sync.Mutex
	ids      int
	idErr    error
	readyErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{Storage: &uploadmock.Storage{}, Service: &analysismock.Service{}}
}

func (b *fakeBackend) NewSessionID(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idErr != nil {
		return "", b.idErr
	}
	b.ids++
	return fmt.Sprintf("sess-%d", b.ids), nil
}

func (b *fakeBackend) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyErr
}

// countingStore records Close calls.
type countingStore struct {
	archive.Store
	mu     sync.Mutex
	closes int
}

func (s *countingStore) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return s.Store.Close()
}

func (s *countingStore) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// testConfig returns a defaulted config with the short test protocol.
func testConfig() *config.Config {
	cfg := &config.Config{Stages: testStages()}
	cfg.ApplyDefaults()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	mic := &audiomock.Microphone{}

	a, err := app.New(context.Background(), testConfig(),
		app.WithBackend(be),
		app.WithMicrophone(mic),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	v := a.Assessment().View()
	if v.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", v.SessionID)
	}
	if !v.Online {
		t.Error("Online = false with a backend")
	}
	if len(v.Stages) != 3 {
		t.Errorf("stages = %d, want 3", len(v.Stages))
	}

	// A mock microphone is not an HTTP handler, so no capture route exists.
	if rec := get(t, a.Mux(), "/api/capture"); rec.Code != http.StatusNotFound {
		t.Errorf("/api/capture status = %d, want 404", rec.Code)
	}
}

func TestNew_Offline(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), app.WithMicrophone(&audiomock.Microphone{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Assessment().Online() {
		t.Error("Online = true without base URLs")
	}
	if a.Assessment().View().SessionID == "" {
		t.Error("no local session id")
	}
}

func TestNew_SessionIDFailure(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	be.idErr = errors.New("backend down")
	store := &countingStore{Store: archive.NewFileStore(filepath.Join(t.TempDir(), "r.jsonl"))}

	_, err := app.New(context.Background(), testConfig(),
		app.WithBackend(be),
		app.WithArchive(store),
		app.WithMicrophone(&audiomock.Microphone{}),
	)
	if err == nil {
		t.Fatal("New succeeded without a session id")
	}
	if store.Closes() != 1 {
		t.Errorf("archive closed %d times after failed New, want 1", store.Closes())
	}
}

func TestNew_UnknownArchiveBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Archive.Backend = "s3"

	_, err := app.New(context.Background(), cfg, app.WithMicrophone(&audiomock.Microphone{}))
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New = %v, want ErrBackendNotRegistered", err)
	}
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Archive = config.ArchiveConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "results.jsonl")}
	be := newFakeBackend()

	// The default remote microphone serves the capture route.
	a, err := app.New(context.Background(), cfg, app.WithBackend(be))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	mux := a.Mux()

	if rec := get(t, mux, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}

	rec := get(t, mux, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /readyz: %v", err)
	}
	if body.Checks["backend"] != "ok" || body.Checks["archive"] != "ok" {
		t.Errorf("checks = %v, want backend and archive ok", body.Checks)
	}

	be.mu.Lock()
	be.readyErr = errors.New("all endpoints open")
	be.mu.Unlock()
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz with backend down = %d, want 503", rec.Code)
	}

	if rec := get(t, mux, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", rec.Code)
	}

	// A plain GET is not a websocket handshake, but the route exists.
	if rec := get(t, mux, "/api/capture"); rec.Code == http.StatusNotFound || rec.Code == http.StatusOK {
		t.Errorf("/api/capture without upgrade = %d", rec.Code)
	}
}

func TestApp_OnConfigChange(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig()
	a, err := app.New(context.Background(), old,
		app.WithLevelVar(&level),
		app.WithMicrophone(&audiomock.Microphone{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Stages = []protocol.Stage{
		{ID: 1, Title: "Speech", Kind: protocol.KindRecording, Required: 2},
	}
	a.OnConfigChange(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if n := len(a.Assessment().View().Stages); n != 3 {
		t.Errorf("running session has %d stages, want 3 until restart", n)
	}
	if _, err := a.Assessment().Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	v := a.Assessment().View()
	if len(v.Stages) != 1 || v.Stages[0].Required != 2 {
		t.Errorf("stages after restart = %+v", v.Stages)
	}

	// An invalid stage list is rejected and the previous one kept.
	invalid := testConfig()
	invalid.Stages = []protocol.Stage{{ID: 1, Kind: protocol.KindRecording, Required: 0}}
	a.OnConfigChange(updated, invalid)
	if _, err := a.Assessment().Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if n := len(a.Assessment().View().Stages); n != 1 {
		t.Errorf("stages after rejected change = %d, want 1", n)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	store := &countingStore{Store: archive.NewFileStore(filepath.Join(t.TempDir(), "r.jsonl"))}
	a, err := app.New(context.Background(), testConfig(),
		app.WithArchive(store),
		app.WithMicrophone(&audiomock.Microphone{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if store.Closes() != 1 {
		t.Errorf("archive closed %d times, want 1", store.Closes())
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	store := &countingStore{Store: archive.NewFileStore(filepath.Join(t.TempDir(), "r.jsonl"))}
	a, err := app.New(context.Background(), testConfig(),
		app.WithArchive(store),
		app.WithMicrophone(&audiomock.Microphone{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v, want context.Canceled", err)
	}
	if store.Closes() != 0 {
		t.Errorf("archive closed %d times past the deadline, want 0", store.Closes())
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), app.WithMicrophone(&audiomock.Microphone{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunFailsOnBadAddress(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:http"
	a, err := app.New(context.Background(), cfg, app.WithMicrophone(&audiomock.Microphone{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want a listen error", err)
	}
}
