package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vocalcheck/internal/protocol"
)

// ValidArchiveBackends lists the archive backends [Validate] accepts.
var ValidArchiveBackends = []string{"file", "postgres", "sqlite"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend
	for i, raw := range cfg.Backend.BaseURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_urls[%d] %q must be an absolute http(s) URL", i, raw))
		}
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, errors.New("backend.circuit_breaker.max_failures must not be negative"))
	}
	if len(cfg.Backend.BaseURLs) == 0 {
		slog.Warn("backend.base_urls is empty; running offline, uploads and analysis are unavailable")
	}

	// Audio
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.max_duration %s must not be negative", cfg.Audio.MaxDuration))
	}
	if cfg.Audio.MeterInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.meter_interval %s must not be negative", cfg.Audio.MeterInterval))
	}
	if cfg.Audio.MeterWindow < 0 {
		errs = append(errs, fmt.Errorf("audio.meter_window %d must not be negative", cfg.Audio.MeterWindow))
	}

	// Analysis
	if cfg.Analysis.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("analysis.poll_interval %s must not be negative", cfg.Analysis.PollInterval))
	}
	if cfg.Analysis.PollErrorBudget < 0 {
		errs = append(errs, errors.New("analysis.poll_error_budget must not be negative"))
	}

	// Archive
	switch a := cfg.Archive; {
	case a.Backend == "":
	case !slices.Contains(ValidArchiveBackends, a.Backend):
		errs = append(errs, fmt.Errorf("archive.backend %q is invalid; valid values: file, postgres, sqlite", a.Backend))
	case a.Backend == "postgres" && a.DSN == "":
		errs = append(errs, errors.New("archive.dsn is required when backend is postgres"))
	case (a.Backend == "file" || a.Backend == "sqlite") && a.Path == "":
		errs = append(errs, fmt.Errorf("archive.path is required when backend is %s", a.Backend))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	// Stages
	if err := protocol.ValidateStages(cfg.Stages); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
