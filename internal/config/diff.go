package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/vocalcheck/internal/protocol"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StagesChanged is set when the stage list differs. The new list
	// applies from the next session on.
	StagesChanged bool
	NewStages     []protocol.Stage

	// CalibrationChanged is set when the submission calibration differs.
	CalibrationChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after a process restart.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StagesChanged && !d.CalibrationChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.EqualFunc(old.Stages, new.Stages, stageEqual) {
		d.StagesChanged = true
		d.NewStages = slices.Clone(new.Stages)
	}

	if !reflect.DeepEqual(old.Analysis.Calibration, new.Analysis.Calibration) {
		d.CalibrationChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}

	return d
}

// stageEqual compares two stages field by field.
func stageEqual(a, b protocol.Stage) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Prompt == b.Prompt &&
		a.Kind == b.Kind &&
		a.Required == b.Required &&
		slices.Equal(a.Labels, b.Labels)
}
