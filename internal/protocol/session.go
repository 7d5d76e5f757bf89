package protocol

import (
	"time"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// Clip is one accepted take.
type Clip struct {
	// ID uniquely identifies the clip across sessions.
	ID string `json:"id"`

	// SessionID is the session the clip was accepted into.
	SessionID string `json:"session_id"`

	// StageID and Ordinal locate the clip; Ordinal is 1-based within the stage.
	StageID int `json:"stage_id"`
	Ordinal int `json:"ordinal"`

	// Label is the stage's label for this ordinal, if any.
	Label string `json:"label,omitempty"`

	// FileName is "{stageId}_{ordinal}.wav".
	FileName string `json:"file_name"`

	// Audio holds the transcoded bytes, or the original bytes when Degraded.
	Audio audio.Blob `json:"-"`

	// Duration is the recorded time of the take, excluding pauses.
	Duration time.Duration `json:"duration"`

	// Degraded reports that transcoding failed and Audio is the raw capture.
	Degraded bool `json:"degraded,omitempty"`

	// ObjectKey is the storage reference; empty until the upload succeeds.
	ObjectKey string `json:"object_key,omitempty"`

	// AcceptedAt is when the clip was appended.
	AcceptedAt time.Time `json:"accepted_at"`
}

// Uploaded reports whether the clip has a storage reference.
func (c Clip) Uploaded() bool { return c.ObjectKey != "" }

// Session is the aggregate holding all per-assessment state. It is owned by a
// [Protocol] and never shared; every field is reachable only through the
// Protocol's methods.
type Session struct {
	id        string
	createdAt time.Time
	stages    []Stage
	index     int
	clips     map[int][]*Clip
	answers   *Answers
	analysis  analysis.Result
}

func newSession(id string, stages []Stage, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		stages:    stages,
		clips:     make(map[int][]*Clip, len(stages)),
		answers:   NewAnswers(),
		analysis:  analysis.Result{Status: analysis.StatusIdle},
	}
}

func (s *Session) current() Stage { return s.stages[s.index] }

func (s *Session) accepted(stageID int) int { return len(s.clips[stageID]) }

func (s *Session) satisfied(st Stage) bool {
	switch st.Kind {
	case KindQuestionnaire:
		return s.answers.Settled()
	case KindInfo:
		return true
	default:
		return s.accepted(st.ID) >= st.Required
	}
}

func (s *Session) complete() bool {
	for _, st := range s.stages {
		if !s.satisfied(st) {
			return false
		}
	}
	return true
}

func (s *Session) clip(id string) *Clip {
	for _, st := range s.stages {
		for _, c := range s.clips[st.ID] {
			if c.ID == id {
				return c
			}
		}
	}
	return nil
}

func (s *Session) allClips() []Clip {
	var out []Clip
	for _, st := range s.stages {
		for _, c := range s.clips[st.ID] {
			out = append(out, *c)
		}
	}
	return out
}

// StageProgress is the per-stage part of a [Snapshot].
type StageProgress struct {
	Stage
	Accepted  int  `json:"accepted"`
	Satisfied bool `json:"satisfied"`
}

// Snapshot is an immutable view of a [Session] for rendering.
type Snapshot struct {
	SessionID  string          `json:"session_id"`
	CreatedAt  time.Time       `json:"created_at"`
	StageIndex int             `json:"stage_index"`
	Stages     []StageProgress `json:"stages"`
	Clips      []Clip          `json:"clips"`

	Questionnaires        map[string]map[string]*int `json:"questionnaires"`
	QuestionnairesSkipped bool                       `json:"questionnaires_skipped"`

	// CanRecord is false once the current stage's quota is met.
	CanRecord  bool `json:"can_record"`
	CanAdvance bool `json:"can_advance"`
	CanRetreat bool `json:"can_retreat"`
	Complete   bool `json:"complete"`

	Analysis analysis.Result `json:"analysis"`
}

// Current returns the progress entry of the current stage.
func (s Snapshot) Current() StageProgress { return s.Stages[s.StageIndex] }

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:             s.id,
		CreatedAt:             s.createdAt,
		StageIndex:            s.index,
		Stages:                make([]StageProgress, len(s.stages)),
		Clips:                 s.allClips(),
		Questionnaires:        s.answers.Scores(),
		QuestionnairesSkipped: s.answers.Skipped(),
		CanRetreat:            s.index > 0,
		Complete:              s.complete(),
		Analysis:              s.analysis.Clone(),
	}
	for i, st := range s.stages {
		st.Labels = append([]string(nil), st.Labels...)
		snap.Stages[i] = StageProgress{Stage: st, Accepted: s.accepted(st.ID), Satisfied: s.satisfied(st)}
	}
	cur := s.current()
	snap.CanRecord = cur.Records() && !s.satisfied(cur)
	snap.CanAdvance = s.satisfied(cur) && s.index < len(s.stages)-1
	return snap
}
