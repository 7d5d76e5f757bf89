package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
)

var (
	// ErrStageIncomplete is returned by Advance while the current stage's
	// quota or questionnaire is not satisfied.
	ErrStageIncomplete = errors.New("protocol: current stage is not complete")

	// ErrQuotaMet is returned by Accept once the current stage holds its
	// required number of clips.
	ErrQuotaMet = errors.New("protocol: stage quota already met")

	// ErrNotRecordingStage is returned by Accept on a stage that does not
	// collect audio.
	ErrNotRecordingStage = errors.New("protocol: current stage does not record")

	// ErrFirstStage is returned by Retreat on the first stage.
	ErrFirstStage = errors.New("protocol: already at the first stage")

	// ErrLastStage is returned by Advance on the last stage.
	ErrLastStage = errors.New("protocol: already at the last stage")

	// ErrStaleSession is returned when an operation names a session that has
	// since been replaced by Restart.
	ErrStaleSession = errors.New("protocol: session has been restarted")

	// ErrUnknownClip is returned when a clip id is not part of the session.
	ErrUnknownClip = errors.New("protocol: unknown clip")
)

// IDSource hands out new session identifiers.
type IDSource interface {
	NewSessionID(ctx context.Context) (string, error)
}

// LocalIDs generates random UUIDs without contacting a backend.
type LocalIDs struct{}

// NewSessionID implements [IDSource].
func (LocalIDs) NewSessionID(context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Option configures a [Protocol].
type Option func(*Protocol)

// WithClock overrides the time source used for creation and acceptance
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// Protocol drives one [Session] through its stages.
type Protocol struct {
	ids IDSource
	now func() time.Time

	mu      sync.Mutex
	session *Session
	// stages seeds the next session created by Restart.
	stages []Stage
}

// New validates stages, obtains a session identifier from ids and returns a
// Protocol positioned at the first stage.
func New(ctx context.Context, ids IDSource, stages []Stage, opts ...Option) (*Protocol, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	if ids == nil {
		ids = LocalIDs{}
	}
	p := &Protocol{ids: ids, now: time.Now, stages: cloneStages(stages)}
	for _, o := range opts {
		o(p)
	}

	id, err := ids.NewSessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: new session id: %w", err)
	}
	p.session = newSession(id, cloneStages(p.stages), p.now())
	return p, nil
}

// SessionID returns the identifier of the current session.
func (p *Protocol) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.id
}

// CurrentStage returns the stage the user is on.
func (p *Protocol) CurrentStage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.current()
}

// AcceptedCount returns how many clips the given stage holds.
func (p *Protocol) AcceptedCount(stageID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.accepted(stageID)
}

// IsStageSatisfied reports whether the current stage may be left forward.
func (p *Protocol) IsStageSatisfied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.satisfied(p.session.current())
}

// CanRecord reports whether a new take may be captured for the current
// stage. It is false on non-recording stages and once the quota is met.
func (p *Protocol) CanRecord() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.session.current()
	return cur.Records() && !p.session.satisfied(cur)
}

// Complete reports whether every stage, including the questionnaire, is
// satisfied.
func (p *Protocol) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.complete()
}

// Accept appends the kept recording in res to the current stage and returns
// a copy of the new clip. Discarded, aborted and empty results are ignored
// and return (nil, nil) without touching any counter.
func (p *Protocol) Accept(res capture.Result) (*Clip, error) {
	if res.Discarded || res.Aborted || res.Recording == nil {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	st := s.current()
	if !st.Records() {
		return nil, ErrNotRecordingStage
	}
	n := s.accepted(st.ID)
	if n >= st.Required {
		return nil, fmt.Errorf("%w: stage %d holds %d of %d", ErrQuotaMet, st.ID, n, st.Required)
	}

	ordinal := n + 1
	c := &Clip{
		ID:         uuid.NewString(),
		SessionID:  s.id,
		StageID:    st.ID,
		Ordinal:    ordinal,
		Label:      st.Label(ordinal),
		FileName:   st.FileName(ordinal),
		Audio:      res.Recording.Audio,
		Duration:   res.Recording.Duration,
		Degraded:   res.Recording.TranscodeErr != nil,
		AcceptedAt: p.now(),
	}
	s.clips[st.ID] = append(s.clips[st.ID], c)

	out := *c
	return &out, nil
}

// Advance moves to the next stage. It is refused with [ErrStageIncomplete]
// until the current stage is satisfied.
func (p *Protocol) Advance() (Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	if !s.satisfied(s.current()) {
		return s.current(), ErrStageIncomplete
	}
	if s.index == len(s.stages)-1 {
		return s.current(), ErrLastStage
	}
	s.index++
	return s.current(), nil
}

// Retreat moves to the previous stage. Accepted clips are kept.
func (p *Protocol) Retreat() (Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	if s.index == 0 {
		return s.current(), ErrFirstStage
	}
	s.index--
	return s.current(), nil
}

// Restart replaces the session with an empty one under a new identifier,
// clearing every clip and answer. The stages are those last passed to
// [Protocol.SetStages]. On error the current session is left untouched.
func (p *Protocol) Restart(ctx context.Context) (string, error) {
	id, err := p.ids.NewSessionID(ctx)
	if err != nil {
		return "", fmt.Errorf("protocol: new session id: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = newSession(id, cloneStages(p.stages), p.now())
	return id, nil
}

// SetStages replaces the stage list used by the next Restart. The running
// session keeps its stages.
func (p *Protocol) SetStages(stages []Stage) error {
	if err := ValidateStages(stages); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = cloneStages(stages)
	return nil
}

// Clip returns a copy of the clip with the given id.
func (p *Protocol) Clip(id string) (Clip, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.session.clip(id)
	if c == nil {
		return Clip{}, false
	}
	return *c, true
}

// Clips returns copies of all accepted clips in stage then ordinal order.
func (p *Protocol) Clips() []Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.allClips()
}

// MarkUploaded attaches the storage reference to a clip of session
// sessionID. The first reference wins; a clip never returns to pending.
func (p *Protocol) MarkUploaded(sessionID, clipID, objectKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID != p.session.id {
		return ErrStaleSession
	}
	c := p.session.clip(clipID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownClip, clipID)
	}
	if c.ObjectKey == "" {
		c.ObjectKey = objectKey
	}
	return nil
}

// SetAnswer records a questionnaire score; nil clears it.
func (p *Protocol) SetAnswer(scale, item string, score *int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.answers.Set(scale, item, score)
}

// SkipQuestionnaires marks the questionnaires as explicitly skipped.
func (p *Protocol) SkipQuestionnaires() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.answers.Skip()
}

// QuestionnairesSettled reports whether the answers are complete or skipped.
func (p *Protocol) QuestionnairesSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.answers.Settled()
}

// Forms renders the questionnaire answers for the analysis backend.
func (p *Protocol) Forms() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.answers.Forms()
}

// RecordAnalysis stores the latest analysis state on session sessionID.
func (p *Protocol) RecordAnalysis(sessionID string, res analysis.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != p.session.id {
		return ErrStaleSession
	}
	p.session.analysis = res.Clone()
	return nil
}

// Snapshot returns an immutable view of the current session.
func (p *Protocol) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.snapshot()
}
