package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vocalcheck/internal/archive"
)

// ErrBackendNotRegistered is returned by [Registry.CreateArchive] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: archive backend not registered")

// ArchiveFactory opens an archive store for cfg.
type ArchiveFactory func(ctx context.Context, cfg ArchiveConfig) (archive.Store, error)

// Registry maps archive backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	archive map[string]ArchiveFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{archive: make(map[string]ArchiveFactory)}
}

// DefaultRegistry returns a registry with the built-in file, postgres and
// sqlite backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterArchive("file", func(_ context.Context, cfg ArchiveConfig) (archive.Store, error) {
		return archive.NewFileStore(cfg.Path), nil
	})
	r.RegisterArchive("postgres", func(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
		return archive.NewPostgresStore(ctx, cfg.DSN)
	})
	r.RegisterArchive("sqlite", func(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
		return archive.OpenSQLite(ctx, cfg.Path)
	})
	return r
}

// RegisterArchive registers an archive factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterArchive(name string, factory ArchiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive[name] = factory
}

// ArchiveBackends returns the registered backend names, sorted.
func (r *Registry) ArchiveBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.archive))
	for n := range r.archive {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateArchive opens the store registered under cfg.Backend. An empty
// backend returns (nil, nil): archiving is disabled.
func (r *Registry) CreateArchive(ctx context.Context, cfg ArchiveConfig) (archive.Store, error) {
	if cfg.Backend == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.archive[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
