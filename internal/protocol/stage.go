// Package protocol implements the guided recording protocol of a vocal
// self-assessment.
//
// A [Protocol] owns exactly one [Session] aggregate at a time. The session
// holds the ordered [Stage] list, the current stage index, the accepted
// [Clip]s of every stage and the questionnaire [Answers]. All mutation goes
// through the Protocol so that the per-stage quota ceiling and the monotonic
// upload state are enforced in one place.
//
// The only way to undo an accepted clip is [Protocol.Restart], which replaces
// the session wholesale under a fresh identifier.
//
// All methods are safe for concurrent use.
package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies what the user does during a stage.
type Kind string

const (
	// KindRecording stages collect a fixed number of kept takes.
	KindRecording Kind = "recording"

	// KindQuestionnaire stages collect the subjective scale answers.
	KindQuestionnaire Kind = "questionnaire"

	// KindInfo stages only show text and are always satisfied.
	KindInfo Kind = "info"
)

// IsValid reports whether k is a recognised stage kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRecording, KindQuestionnaire, KindInfo:
		return true
	}
	return false
}

// Stage is one ordered step of the protocol. Stages are immutable once a
// session has been created from them.
type Stage struct {
	// ID is the ordinal identifier used in upload file names.
	ID int `yaml:"id" json:"id"`

	// Title is a short heading for the stage.
	Title string `yaml:"title" json:"title"`

	// Prompt is the instruction shown to the user.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Kind selects the satisfaction rule. Defaults to [KindRecording].
	Kind Kind `yaml:"kind" json:"kind"`

	// Required is the number of kept clips the stage needs. Zero for
	// non-recording stages.
	Required int `yaml:"required" json:"required"`

	// Labels optionally names each clip of the stage, in order.
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Records reports whether the stage collects audio.
func (s Stage) Records() bool {
	return s.Kind == KindRecording || s.Kind == ""
}

// Label returns the label of the clip with the given 1-based ordinal, or "".
func (s Stage) Label(ordinal int) string {
	if ordinal < 1 || ordinal > len(s.Labels) {
		return ""
	}
	return s.Labels[ordinal-1]
}

// FileName returns the upload file name of the clip with the given 1-based
// ordinal within the stage.
func (s Stage) FileName(ordinal int) string {
	return fmt.Sprintf("%d_%d.wav", s.ID, ordinal)
}

// DefaultStages returns the built-in vocal assessment protocol.
func DefaultStages() []Stage {
	return []Stage{
		{
			ID:       1,
			Title:    "Calibration",
			Prompt:   "Stay silent for a few seconds so the room noise can be measured.",
			Kind:     KindRecording,
			Required: 1,
		},
		{
			ID:       2,
			Title:    "Sustained vowel",
			Prompt:   "Take a breath and hold a comfortable /a/ for as long as you can. Record three takes.",
			Kind:     KindRecording,
			Required: 3,
		},
		{
			ID:       3,
			Title:    "Pitch glides",
			Prompt:   "Glide smoothly from your lowest to your highest note, then from your highest to your lowest.",
			Kind:     KindRecording,
			Required: 2,
			Labels:   []string{"up", "down"},
		},
		{
			ID:       4,
			Title:    "Fixed pitch",
			Prompt:   "Sing a steady /a/ at your highest comfortable note, then at your lowest.",
			Kind:     KindRecording,
			Required: 2,
			Labels:   []string{"high", "low"},
		},
		{
			ID:       5,
			Title:    "Reading",
			Prompt:   "Read the passage aloud at your usual pace.",
			Kind:     KindRecording,
			Required: 1,
		},
		{
			ID:       6,
			Title:    "Free speech",
			Prompt:   "Talk about your day for about thirty seconds.",
			Kind:     KindRecording,
			Required: 1,
		},
		{
			ID:     7,
			Title:  "Questionnaires",
			Prompt: "Rate your voice on the RBH, OVHS-9 and TVQ-G scales, or skip them.",
			Kind:   KindQuestionnaire,
		},
	}
}

// ValidateStages checks a stage list.
//
// Rules:
//   - The list must not be empty.
//   - Every ID must be positive and unique.
//   - Kind must be empty or a recognised [Kind].
//   - Recording stages need Required >= 1; other stages need Required == 0.
//   - Labels, when present, must have exactly Required entries.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return errors.New("at least one stage is required")
	}

	var errs []error
	seen := make(map[int]bool, len(stages))
	for i, s := range stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if s.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s: id must be positive, got %d", prefix, s.ID))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %d", prefix, s.ID))
		}
		seen[s.ID] = true

		if s.Kind != "" && !s.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s: kind %q is not a recognised stage kind", prefix, s.Kind))
			continue
		}
		if s.Records() {
			if s.Required < 1 {
				errs = append(errs, fmt.Errorf("%s: recording stage needs required >= 1", prefix))
			}
		} else if s.Required != 0 {
			errs = append(errs, fmt.Errorf("%s: %s stage must not require clips", prefix, s.Kind))
		}
		if len(s.Labels) > 0 && len(s.Labels) != s.Required {
			errs = append(errs, fmt.Errorf("%s: %d labels for %d required clips", prefix, len(s.Labels), s.Required))
		}
	}
	return errors.Join(errs...)
}

func cloneStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		if s.Kind == "" {
			s.Kind = KindRecording
		}
		s.Labels = append([]string(nil), s.Labels...)
		out[i] = s
	}
	return out
}
