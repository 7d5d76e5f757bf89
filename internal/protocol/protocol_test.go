package protocol_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
	"github.com/MrWong99/vocalcheck/pkg/audio/mock"
)

// sequenceIDs hands out "sess-1", "sess-2", ... and can be told to fail.
type sequenceIDs struct {
	n   int
	err error
}

func (s *sequenceIDs) NewSessionID(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.n++
	return "sess-" + strconv.Itoa(s.n), nil
}

func kept(data string) capture.Result {
	return capture.Result{Recording: &capture.Recording{
		Audio:    audio.Blob{Data: []byte(data), MIMEType: audio.MIMETypeWAV},
		Duration: time.Second,
	}}
}

func discarded() capture.Result { return capture.Result{Discarded: true} }

func twoStages() []protocol.Stage {
	return []protocol.Stage{
		{ID: 1, Title: "Vowel", Kind: protocol.KindRecording, Required: 2, Labels: []string{"first", "second"}},
		{ID: 2, Title: "Reading", Kind: protocol.KindRecording, Required: 1},
		{ID: 3, Title: "Done", Kind: protocol.KindInfo},
	}
}

func newProtocol(t *testing.T, stages []protocol.Stage) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New(context.Background(), &sequenceIDs{}, stages)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestProtocol_KeepDiscardKeep(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())

	c1, err := p.Accept(kept("take-1"))
	if err != nil || c1 == nil {
		t.Fatalf("Accept(kept) = %v, %v", c1, err)
	}
	if c, err := p.Accept(discarded()); c != nil || err != nil {
		t.Fatalf("Accept(discarded) = %v, %v, want nil, nil", c, err)
	}
	if p.AcceptedCount(1) != 1 {
		t.Fatalf("AcceptedCount after discard = %d, want 1", p.AcceptedCount(1))
	}
	if _, err := p.Advance(); !errors.Is(err, protocol.ErrStageIncomplete) {
		t.Fatalf("Advance with 1/2 clips err = %v, want ErrStageIncomplete", err)
	}
	c2, err := p.Accept(kept("take-2"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if got := p.AcceptedCount(1); got != 2 {
		t.Errorf("AcceptedCount = %d, want 2", got)
	}
	if !p.IsStageSatisfied() {
		t.Error("stage not satisfied after two kept takes")
	}
	if p.CanRecord() {
		t.Error("CanRecord true after quota met")
	}
	if c1.FileName != "1_1.wav" || c2.FileName != "1_2.wav" {
		t.Errorf("file names = %q, %q", c1.FileName, c2.FileName)
	}
	if c1.Label != "first" || c2.Label != "second" {
		t.Errorf("labels = %q, %q", c1.Label, c2.Label)
	}
	if c1.SessionID != "sess-1" || c1.ID == "" || c1.ID == c2.ID {
		t.Errorf("clip identity: %+v / %+v", c1, c2)
	}

	st, err := p.Advance()
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if st.ID != 2 {
		t.Errorf("stage after Advance = %d, want 2", st.ID)
	}
}

func TestProtocol_WithRealCaptureSessions(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	mime := audio.PCMMIMEType(audio.Format{SampleRate: 48000, Channels: 1})
	mic := &mock.Microphone{NewStream: func() capture.Stream { return mock.NewStream(mime) }}

	take := func(keep bool) {
		t.Helper()
		var accepted *protocol.Clip
		sess := capture.New(mic, nil, capture.WithFinishHandler(func(res capture.Result) {
			c, err := p.Accept(res)
			if err != nil {
				t.Errorf("Accept: %v", err)
			}
			accepted = c
		}))
		if err := sess.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		mic.Last().(*mock.Stream).Push(make([]byte, 960))
		if keep {
			if _, err := sess.StopAndKeep(); err != nil {
				t.Fatalf("StopAndKeep: %v", err)
			}
			if accepted == nil {
				t.Fatal("kept take was not accepted")
			}
			return
		}
		if err := sess.StopAndDiscard(); err != nil {
			t.Fatalf("StopAndDiscard: %v", err)
		}
		if accepted != nil {
			t.Fatal("discarded take produced a clip")
		}
	}

	take(true)
	take(false)
	take(true)

	if got := p.AcceptedCount(1); got != 2 {
		t.Fatalf("AcceptedCount = %d, want 2", got)
	}
	clips := p.Clips()
	if len(clips) != 2 || clips[0].Audio.MIMEType != audio.MIMETypeWAV || clips[0].Degraded {
		t.Fatalf("clips = %+v", clips)
	}
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
}

func TestProtocol_QuotaIsACeiling(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	for i := range 2 {
		if _, err := p.Accept(kept("x")); err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
	}
	if _, err := p.Accept(kept("extra")); !errors.Is(err, protocol.ErrQuotaMet) {
		t.Fatalf("third Accept err = %v, want ErrQuotaMet", err)
	}
	if got := p.AcceptedCount(1); got != 2 {
		t.Errorf("AcceptedCount = %d, want 2", got)
	}
}

func TestProtocol_QuotaInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 6).Draw(t, "required")
		stages := []protocol.Stage{
			{ID: 1, Kind: protocol.KindRecording, Required: k},
			{ID: 2, Kind: protocol.KindInfo},
		}
		p, err := protocol.New(context.Background(), protocol.LocalIDs{}, stages)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		keeps := 0
		for keeps < k {
			if rapid.Bool().Draw(t, "keep") {
				if _, err := p.Accept(kept("take")); err != nil {
					t.Fatalf("Accept: %v", err)
				}
				keeps++
			} else if c, err := p.Accept(discarded()); c != nil || err != nil {
				t.Fatalf("discard produced %v, %v", c, err)
			}
			if got := p.AcceptedCount(1); got != keeps {
				t.Fatalf("AcceptedCount = %d, want %d", got, keeps)
			}
			if keeps < k {
				if _, err := p.Advance(); !errors.Is(err, protocol.ErrStageIncomplete) {
					t.Fatalf("Advance at %d/%d err = %v", keeps, k, err)
				}
			}
		}
		trailing := rapid.IntRange(0, 3).Draw(t, "trailing_discards")
		for range trailing {
			_, _ = p.Accept(discarded())
		}
		if got := p.AcceptedCount(1); got != k {
			t.Fatalf("AcceptedCount = %d, want %d", got, k)
		}
		if _, err := p.Advance(); err != nil {
			t.Fatalf("Advance at quota: %v", err)
		}
	})
}

func TestProtocol_AbortedAndEmptyResultsIgnored(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	for _, res := range []capture.Result{
		{Aborted: true, Discarded: true},
		{},
	} {
		if c, err := p.Accept(res); c != nil || err != nil {
			t.Errorf("Accept(%+v) = %v, %v", res, c, err)
		}
	}
	if got := p.AcceptedCount(1); got != 0 {
		t.Errorf("AcceptedCount = %d, want 0", got)
	}
}

func TestProtocol_DegradedClip(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	res := capture.Result{Recording: &capture.Recording{
		Audio:        audio.Blob{Data: []byte("raw"), MIMEType: "audio/webm"},
		TranscodeErr: &audio.TranscodeError{MIMEType: "audio/webm", Err: audio.ErrUnsupportedFormat},
	}}
	c, err := p.Accept(res)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !c.Degraded || c.Audio.MIMEType != "audio/webm" || c.FileName != "1_1.wav" {
		t.Errorf("clip = %+v", c)
	}
}

func TestProtocol_Navigation(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())

	if _, err := p.Retreat(); !errors.Is(err, protocol.ErrFirstStage) {
		t.Errorf("Retreat at first stage err = %v, want ErrFirstStage", err)
	}
	_, _ = p.Accept(kept("a"))
	_, _ = p.Accept(kept("b"))
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Retreating is always allowed and keeps accepted clips.
	if st, err := p.Retreat(); err != nil || st.ID != 1 {
		t.Fatalf("Retreat = %v, %v", st, err)
	}
	if p.AcceptedCount(1) != 2 {
		t.Errorf("AcceptedCount after Retreat = %d", p.AcceptedCount(1))
	}
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	_, _ = p.Accept(kept("c"))
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance to info stage: %v", err)
	}
	if !p.IsStageSatisfied() {
		t.Error("info stage not satisfied")
	}
	if _, err := p.Accept(kept("d")); !errors.Is(err, protocol.ErrNotRecordingStage) {
		t.Errorf("Accept on info stage err = %v", err)
	}
	if _, err := p.Advance(); !errors.Is(err, protocol.ErrLastStage) {
		t.Errorf("Advance at last stage err = %v, want ErrLastStage", err)
	}
	if !p.Complete() {
		t.Error("Complete = false with every stage satisfied")
	}
}

func TestProtocol_Restart(t *testing.T) {
	t.Parallel()
	ids := &sequenceIDs{}
	p, err := protocol.New(context.Background(), ids, protocol.DefaultStages())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, _ := p.Accept(kept("a"))
	_ = p.SetAnswer("rbh", "R", intp(2))
	_ = p.RecordAnalysis("sess-1", analysis.Result{Status: analysis.StatusFailed, Error: "boom"})
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	id, err := p.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if id != "sess-2" || p.SessionID() != "sess-2" {
		t.Fatalf("session id = %q / %q, want sess-2", id, p.SessionID())
	}
	snap := p.Snapshot()
	if snap.StageIndex != 0 || len(snap.Clips) != 0 {
		t.Errorf("snapshot after restart: index %d, %d clips", snap.StageIndex, len(snap.Clips))
	}
	if snap.Questionnaires["rbh"]["R"] != nil {
		t.Error("answers survived restart")
	}
	if snap.Analysis.Status != analysis.StatusIdle {
		t.Errorf("analysis status = %q, want idle", snap.Analysis.Status)
	}

	// Late writes for the replaced session are rejected.
	if err := p.MarkUploaded("sess-1", c.ID, "key"); !errors.Is(err, protocol.ErrStaleSession) {
		t.Errorf("MarkUploaded for old session err = %v, want ErrStaleSession", err)
	}
	if err := p.RecordAnalysis("sess-1", analysis.Result{Status: analysis.StatusDone}); !errors.Is(err, protocol.ErrStaleSession) {
		t.Errorf("RecordAnalysis for old session err = %v", err)
	}

	ids.err = errors.New("backend down")
	if _, err := p.Restart(context.Background()); err == nil {
		t.Fatal("Restart succeeded with failing id source")
	}
	if p.SessionID() != "sess-2" {
		t.Errorf("failed Restart replaced the session")
	}
}

func TestProtocol_SetStagesAppliesOnRestart(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	next := []protocol.Stage{{ID: 9, Kind: protocol.KindRecording, Required: 1}}
	if err := p.SetStages(next); err != nil {
		t.Fatalf("SetStages: %v", err)
	}
	if got := p.CurrentStage().ID; got != 1 {
		t.Errorf("running session changed stages: current = %d", got)
	}
	if _, err := p.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := p.CurrentStage().ID; got != 9 {
		t.Errorf("current stage after restart = %d, want 9", got)
	}
	if err := p.SetStages(nil); err == nil {
		t.Error("SetStages(nil) succeeded")
	}
}

func TestProtocol_MarkUploadedIsMonotonic(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	c, _ := p.Accept(kept("a"))

	if err := p.MarkUploaded("sess-1", c.ID, "uploads/sess-1/1_1.wav"); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if err := p.MarkUploaded("sess-1", c.ID, "other"); err != nil {
		t.Fatalf("second MarkUploaded: %v", err)
	}
	got, ok := p.Clip(c.ID)
	if !ok || got.ObjectKey != "uploads/sess-1/1_1.wav" || !got.Uploaded() {
		t.Errorf("clip = %+v", got)
	}
	if err := p.MarkUploaded("sess-1", "nope", "k"); !errors.Is(err, protocol.ErrUnknownClip) {
		t.Errorf("unknown clip err = %v", err)
	}
}

func TestProtocol_ReturnedClipsAreCopies(t *testing.T) {
	t.Parallel()
	p := newProtocol(t, twoStages())
	c, _ := p.Accept(kept("a"))
	c.ObjectKey = "tampered"
	clips := p.Clips()
	clips[0].FileName = "tampered"

	got, _ := p.Clip(c.ID)
	if got.ObjectKey != "" || got.FileName != "1_1.wav" {
		t.Errorf("internal clip mutated: %+v", got)
	}
}

func TestProtocol_QuestionnaireStage(t *testing.T) {
	t.Parallel()
	stages := []protocol.Stage{
		{ID: 1, Kind: protocol.KindRecording, Required: 1},
		{ID: 2, Kind: protocol.KindQuestionnaire},
	}
	p := newProtocol(t, stages)
	_, _ = p.Accept(kept("a"))
	if _, err := p.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if p.Complete() {
		t.Fatal("Complete with unanswered questionnaire")
	}
	if p.CanRecord() {
		t.Error("CanRecord on questionnaire stage")
	}

	p.SkipQuestionnaires()
	if !p.IsStageSatisfied() || !p.Complete() {
		t.Error("skipped questionnaire does not satisfy the stage")
	}
	if p.Forms() != nil {
		t.Error("Forms of skipped questionnaire is not nil")
	}

	if err := p.SetAnswer("rbh", "B", intp(1)); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if p.QuestionnairesSettled() {
		t.Error("answering an item should withdraw the skip")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p, err := protocol.New(context.Background(), &sequenceIDs{}, twoStages(), protocol.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = p.Accept(kept("a"))

	snap := p.Snapshot()
	if snap.SessionID != "sess-1" || !snap.CreatedAt.Equal(now) {
		t.Errorf("identity = %q %v", snap.SessionID, snap.CreatedAt)
	}
	if len(snap.Stages) != 3 || snap.Current().Accepted != 1 || snap.Current().Satisfied {
		t.Errorf("stages = %+v", snap.Stages)
	}
	if !snap.CanRecord || snap.CanAdvance || snap.CanRetreat || snap.Complete {
		t.Errorf("flags = record %v advance %v retreat %v complete %v",
			snap.CanRecord, snap.CanAdvance, snap.CanRetreat, snap.Complete)
	}
	if !snap.Clips[0].AcceptedAt.Equal(now) {
		t.Errorf("AcceptedAt = %v", snap.Clips[0].AcceptedAt)
	}

	// The snapshot does not alias session state.
	snap.Stages[0].Labels[0] = "tampered"
	if p.Snapshot().Stages[0].Labels[0] != "first" {
		t.Error("snapshot aliases stage labels")
	}
}

func TestValidateStages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		stages  []protocol.Stage
		wantErr string
	}{
		{"defaults", protocol.DefaultStages(), ""},
		{"empty", nil, "at least one stage"},
		{"zero id", []protocol.Stage{{ID: 0, Required: 1}}, "id must be positive"},
		{"duplicate id", []protocol.Stage{{ID: 1, Required: 1}, {ID: 1, Required: 1}}, "duplicate id 1"},
		{"bad kind", []protocol.Stage{{ID: 1, Kind: "video", Required: 1}}, "not a recognised stage kind"},
		{"recording without quota", []protocol.Stage{{ID: 1, Kind: protocol.KindRecording}}, "required >= 1"},
		{"info with quota", []protocol.Stage{{ID: 1, Kind: protocol.KindInfo, Required: 2}}, "must not require clips"},
		{"label mismatch", []protocol.Stage{{ID: 1, Required: 2, Labels: []string{"up"}}}, "1 labels for 2 required clips"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := protocol.ValidateStages(tt.stages)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func intp(v int) *int { return &v }
