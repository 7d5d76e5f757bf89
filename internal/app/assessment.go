package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/archive"
	"github.com/MrWong99/vocalcheck/internal/observe"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
)

var (
	// ErrNotReady is returned by SubmitAnalysis until every stage is
	// satisfied and every clip is stored.
	ErrNotReady = errors.New("app: session is not ready for analysis")

	// ErrUploadPending is returned by SubmitAnalysis while a failed upload
	// awaits retry or a clip has not been stored yet.
	ErrUploadPending = errors.New("app: clips are waiting to be uploaded")

	// ErrTakeInProgress is returned by StartRecording while a take holds
	// the microphone.
	ErrTakeInProgress = errors.New("app: a take is already in progress")

	// ErrNoTake is returned by the recording controls when no take is running.
	ErrNoTake = errors.New("app: no take in progress")

	// ErrCannotRecord is returned by StartRecording when the current stage
	// does not record or its quota is met.
	ErrCannotRecord = errors.New("app: current stage does not accept recordings")

	// ErrOffline is returned by upload and analysis operations when no
	// backend is configured.
	ErrOffline = errors.New("app: no backend configured")
)

// archiveTimeout bounds a single archive write.
const archiveTimeout = 10 * time.Second

// AssessmentConfig holds the collaborators of an [Assessment]. Uploads and
// Analysis are optional; without them clips stay local and analysis is
// unavailable. Archive is optional.
type AssessmentConfig struct {
	Protocol   *protocol.Protocol
	Microphone capture.Microphone
	Transcoder *audio.Transcoder
	Uploads    *upload.Pipeline
	Analysis   analysis.Service
	Archive    archive.Store
	Metrics    *observe.Metrics

	// CaptureOptions are applied to every take, before the handlers the
	// Assessment installs itself.
	CaptureOptions []capture.Option

	// AnalysisOptions configure the orchestrator.
	AnalysisOptions []analysis.Option

	// Calibration is sent with every submission.
	Calibration map[string]any
}

// take is one capture session bound to the stage it was started on.
type take struct {
	sess      *capture.Session
	sessionID string
	stageID   int
	gen       uint64

	// Set by the finish handler before done is closed.
	done      chan struct{}
	clip      *protocol.Clip
	acceptErr error
	uploadErr error
}

// UploadFailure is the pending failed upload as shown to the user.
type UploadFailure struct {
	FileName string    `json:"file_name"`
	StageID  int       `json:"stage_id"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// View is everything the surrounding UI renders.
type View struct {
	protocol.Snapshot

	// Capture is the state of the current take, "idle" when there is none.
	Capture string `json:"capture"`

	// Elapsed is the recorded time of the current take.
	Elapsed time.Duration `json:"elapsed"`

	// UploadFailure is the single retryable upload failure, if any.
	UploadFailure *UploadFailure `json:"upload_failure,omitempty"`

	// PendingUploads names the accepted clips that have no object key yet.
	PendingUploads []string `json:"pending_uploads,omitempty"`

	// Online is false when uploads and analysis are unavailable.
	Online bool `json:"online"`
}

// KeepResult reports what happened to a kept take.
type KeepResult struct {
	// Clip is the accepted clip, or nil when the take no longer belonged to
	// the current stage.
	Clip *protocol.Clip

	// UploadErr is the upload failure, which is also retained for retry.
	UploadErr error
}

// Assessment is the guided vocal assessment of one user. It owns the
// protocol session, at most one capture take, the upload pipeline and the
// analysis orchestrator, and keeps them consistent across stage changes
// and restarts. All methods are safe for concurrent use.
type Assessment struct {
	proto       *protocol.Protocol
	mic         capture.Microphone
	transcoder  *audio.Transcoder
	uploads     *upload.Pipeline
	orch        *analysis.Orchestrator
	archive     archive.Store
	metrics     *observe.Metrics
	captureOpts []capture.Option

	// ctx outlives individual requests; uploads started by auto-stopped
	// takes run on it. Cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	levelMu   sync.Mutex
	levelSubs map[chan audio.Level]struct{}

	mu          sync.Mutex
	take        *take
	gen         uint64
	calibration map[string]any
	closed      bool
}

// NewAssessment wires an Assessment from cfg. Protocol and Microphone are
// required.
func NewAssessment(cfg AssessmentConfig) (*Assessment, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("app: assessment needs a protocol")
	}
	if cfg.Microphone == nil {
		return nil, errors.New("app: assessment needs a microphone")
	}
	a := &Assessment{
		proto:       cfg.Protocol,
		mic:         cfg.Microphone,
		transcoder:  cfg.Transcoder,
		uploads:     cfg.Uploads,
		archive:     cfg.Archive,
		metrics:     cfg.Metrics,
		captureOpts: cfg.CaptureOptions,
		calibration: maps.Clone(cfg.Calibration),
		levelSubs:   make(map[chan audio.Level]struct{}),
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.transcoder == nil {
		a.transcoder = audio.NewTranscoder()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if cfg.Analysis != nil {
		opts := append([]analysis.Option{
			analysis.WithMetrics(a.metrics),
		}, cfg.AnalysisOptions...)
		opts = append(opts, analysis.WithChangeHandler(a.analysisChanged))
		a.orch = analysis.New(cfg.Analysis, opts...)
	}
	return a, nil
}

// Online reports whether uploads and analysis are available.
func (a *Assessment) Online() bool {
	return a.uploads != nil && a.orch != nil
}

// View returns the current state for rendering.
func (a *Assessment) View() View {
	v := View{
		Snapshot: a.proto.Snapshot(),
		Capture:  capture.StateIdle.String(),
		Online:   a.Online(),
	}

	a.mu.Lock()
	t := a.take
	a.mu.Unlock()
	if t != nil {
		v.Capture = t.sess.State().String()
		v.Elapsed = t.sess.Elapsed()
	}

	for _, c := range v.Clips {
		if !c.Uploaded() {
			v.PendingUploads = append(v.PendingUploads, c.FileName)
		}
	}

	if a.uploads != nil {
		if f, ok := a.uploads.PendingFailure(); ok {
			v.UploadFailure = &UploadFailure{
				FileName: f.Clip.FileName,
				StageID:  f.Clip.StageID,
				Error:    f.Err.Error(),
				Attempts: f.Attempts,
				At:       f.At,
			}
		}
	}
	return v
}

// StartRecording begins a new take on the current stage. It blocks until the
// microphone is granted, ctx is cancelled or the take is cancelled by a stage
// change. Permission failures are returned as *[capture.PermissionError].
func (a *Assessment) StartRecording(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("app: assessment closed")
	}
	if a.take != nil {
		a.mu.Unlock()
		return ErrTakeInProgress
	}
	if !a.proto.CanRecord() {
		a.mu.Unlock()
		return ErrCannotRecord
	}
	t := &take{
		sessionID: a.proto.SessionID(),
		stageID:   a.proto.CurrentStage().ID,
		gen:       a.gen,
		done:      make(chan struct{}),
	}
	opts := append(append([]capture.Option(nil), a.captureOpts...),
		capture.WithLevelHandler(a.publishLevel),
		capture.WithFinishHandler(func(res capture.Result) { a.finishTake(t, res) }),
	)
	t.sess = capture.New(a.mic, a.transcoder, opts...)
	a.take = t
	a.mu.Unlock()

	a.metrics.ActiveCaptures.Add(ctx, 1)
	if err := t.sess.Start(ctx); err != nil {
		a.metrics.ActiveCaptures.Add(ctx, -1)
		a.mu.Lock()
		if a.take == t {
			a.take = nil
		}
		a.mu.Unlock()

		var pe *capture.PermissionError
		if errors.As(err, &pe) {
			slog.Warn("app: microphone unavailable", "session_id", t.sessionID, "reason", pe.Reason)
		}
		return err
	}
	slog.Info("app: take started", "session_id", t.sessionID, "stage", t.stageID)
	return nil
}

// PauseRecording pauses the current take.
func (a *Assessment) PauseRecording() error {
	t, err := a.current()
	if err != nil {
		return err
	}
	return t.sess.Pause()
}

// ResumeRecording resumes the current take.
func (a *Assessment) ResumeRecording() error {
	t, err := a.current()
	if err != nil {
		return err
	}
	return t.sess.Resume()
}

// KeepRecording stops the current take, accepts it into its stage and
// uploads it. An upload failure does not fail the call; it is reported in
// the result and retained for [Assessment.RetryUpload].
func (a *Assessment) KeepRecording() (KeepResult, error) {
	t, err := a.current()
	if err != nil {
		return KeepResult{}, err
	}
	if _, err := t.sess.StopAndKeep(); err != nil {
		return KeepResult{}, err
	}
	<-t.done
	if t.acceptErr != nil {
		return KeepResult{}, t.acceptErr
	}
	return KeepResult{Clip: t.clip, UploadErr: t.uploadErr}, nil
}

// DiscardRecording stops the current take and throws it away. Nothing is
// counted or uploaded. Callers must confirm with the user first.
func (a *Assessment) DiscardRecording() error {
	t, err := a.current()
	if err != nil {
		return err
	}
	if err := t.sess.StopAndDiscard(); err != nil {
		return err
	}
	<-t.done
	return nil
}

func (a *Assessment) current() (*take, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.take == nil {
		return nil, ErrNoTake
	}
	return a.take, nil
}

// finishTake receives the single result of a take. It runs on whichever
// goroutine ended the take.
func (a *Assessment) finishTake(t *take, res capture.Result) {
	defer close(t.done)
	ctx := a.ctx
	a.metrics.ActiveCaptures.Add(ctx, -1)

	outcome := "kept"
	switch {
	case res.Aborted:
		outcome = "aborted"
	case res.Discarded:
		outcome = "discarded"
	case res.AutoStopped:
		outcome = "auto_stopped"
	}
	a.metrics.RecordClip(ctx, t.stageID, outcome)
	if rec := res.Recording; rec != nil {
		a.metrics.CaptureDuration.Record(ctx, rec.Duration.Seconds())
		a.metrics.TranscodeDuration.Record(ctx, rec.TranscodeTime.Seconds())
		if rec.TranscodeErr != nil {
			a.metrics.TranscodeFallbacks.Add(ctx, 1)
		}
	}

	a.mu.Lock()
	if a.take == t {
		a.take = nil
	}
	// A take accepted after a stage change or restart would land on the
	// wrong stage.
	current := t.gen == a.gen &&
		t.sessionID == a.proto.SessionID() &&
		t.stageID == a.proto.CurrentStage().ID
	if current {
		t.clip, t.acceptErr = a.proto.Accept(res)
	}
	a.mu.Unlock()

	log := slog.With("session_id", t.sessionID, "stage", t.stageID, "outcome", outcome)
	switch {
	case !current && res.Recording != nil:
		log.Warn("app: dropping take that outlived its stage")
		return
	case t.acceptErr != nil:
		log.Error("app: take not accepted", "err", t.acceptErr)
		return
	case t.clip == nil:
		log.Info("app: take ended")
		return
	}
	log.Info("app: clip accepted", "file", t.clip.FileName, "degraded", t.clip.Degraded)

	if a.uploads != nil {
		t.uploadErr = a.uploads.Upload(ctx, *t.clip)
	}
}

// cancelTakeLocked detaches the running take, if any, so that its result is
// ignored. The caller must close the returned take without holding a.mu.
func (a *Assessment) cancelTakeLocked() *take {
	a.gen++
	t := a.take
	a.take = nil
	return t
}

func closeTake(t *take) {
	if t == nil {
		return
	}
	if err := t.sess.Close(); err != nil {
		slog.Warn("app: release microphone", "session_id", t.sessionID, "err", err)
	}
}

// Advance moves to the next stage once the current one is satisfied.
func (a *Assessment) Advance() (protocol.Stage, error) {
	a.mu.Lock()
	st, err := a.proto.Advance()
	var t *take
	if err == nil {
		t = a.cancelTakeLocked()
	}
	a.mu.Unlock()
	closeTake(t)
	return st, err
}

// Retreat moves to the previous stage, cancelling any running take.
func (a *Assessment) Retreat() (protocol.Stage, error) {
	a.mu.Lock()
	st, err := a.proto.Retreat()
	var t *take
	if err == nil {
		t = a.cancelTakeLocked()
	}
	a.mu.Unlock()
	closeTake(t)
	return st, err
}

// Restart replaces the session with a fresh one. Any take is cancelled, the
// pending upload failure is dropped and analysis polling stops. When a new
// session identifier cannot be obtained the current session is kept.
func (a *Assessment) Restart(ctx context.Context) (string, error) {
	id, err := a.proto.Restart(ctx)
	if err != nil {
		return "", fmt.Errorf("app: restart: %w", err)
	}

	a.mu.Lock()
	t := a.cancelTakeLocked()
	a.mu.Unlock()
	closeTake(t)

	if a.uploads != nil {
		a.uploads.Reset()
	}
	if a.orch != nil {
		a.orch.Reset()
	}
	slog.Info("app: session restarted", "session_id", id)
	return id, nil
}

// SetAnswer records a questionnaire score; nil clears it.
func (a *Assessment) SetAnswer(scale, item string, score *int) error {
	return a.proto.SetAnswer(scale, item, score)
}

// SkipQuestionnaires marks the questionnaires as skipped.
func (a *Assessment) SkipQuestionnaires() {
	a.proto.SkipQuestionnaires()
}

// RetryUpload retries the pending failed upload. Without one, it uploads the
// earliest clip still lacking an object key, which covers a failure that a
// later failure replaced as the retry target.
func (a *Assessment) RetryUpload(ctx context.Context) error {
	if a.uploads == nil {
		return ErrOffline
	}
	err := a.uploads.RetryLastUpload(ctx)
	if !errors.Is(err, upload.ErrNothingToRetry) {
		return err
	}
	for _, c := range a.proto.Clips() {
		if !c.Uploaded() {
			return a.uploads.Upload(ctx, c)
		}
	}
	return err
}

// SubmitAnalysis starts the analysis of a complete session.
func (a *Assessment) SubmitAnalysis(ctx context.Context) error {
	if !a.Online() {
		return ErrOffline
	}
	if !a.proto.Complete() {
		return ErrNotReady
	}
	if _, ok := a.uploads.PendingFailure(); ok {
		return ErrUploadPending
	}
	for _, c := range a.proto.Clips() {
		if !c.Uploaded() {
			return fmt.Errorf("%w: %s", ErrUploadPending, c.FileName)
		}
	}

	a.mu.Lock()
	calibration := maps.Clone(a.calibration)
	a.mu.Unlock()

	return a.orch.Submit(ctx, analysis.Submission{
		SessionID:   a.proto.SessionID(),
		Calibration: calibration,
		Forms:       a.proto.Forms(),
	})
}

// RetryAnalysis resubmits a finished or failed analysis from scratch.
func (a *Assessment) RetryAnalysis(ctx context.Context) error {
	if a.orch == nil {
		return ErrOffline
	}
	return a.orch.Retry(ctx)
}

// analysisChanged mirrors orchestrator state onto the session and archives
// terminal results.
func (a *Assessment) analysisChanged(sessionID string, res analysis.Result) {
	if sessionID == "" {
		return
	}
	if err := a.proto.RecordAnalysis(sessionID, res); err != nil {
		slog.Debug("app: analysis update for replaced session", "session_id", sessionID, "status", res.Status)
		return
	}
	if !res.Status.Terminal() || a.archive == nil {
		return
	}

	var keys []string
	for _, c := range a.proto.Clips() {
		if c.Uploaded() {
			keys = append(keys, c.ObjectKey)
		}
	}
	ctx, cancel := context.WithTimeout(a.ctx, archiveTimeout)
	defer cancel()
	if err := a.archive.Save(ctx, archive.FromResult(sessionID, res, keys, time.Now())); err != nil {
		slog.Error("app: archive analysis result", "session_id", sessionID, "err", err)
		return
	}
	slog.Info("app: analysis result archived", "session_id", sessionID, "status", res.Status)
}

// SetStages replaces the stage list used from the next restart on.
func (a *Assessment) SetStages(stages []protocol.Stage) error {
	return a.proto.SetStages(stages)
}

// SetCalibration replaces the calibration sent with future submissions.
func (a *Assessment) SetCalibration(c map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calibration = maps.Clone(c)
}

// SubscribeLevels returns a channel of meter readings of the running take
// and a function that ends the subscription. Readings are dropped when the
// subscriber falls behind.
func (a *Assessment) SubscribeLevels() (<-chan audio.Level, func()) {
	ch := make(chan audio.Level, 16)
	a.levelMu.Lock()
	a.levelSubs[ch] = struct{}{}
	a.levelMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.levelMu.Lock()
			delete(a.levelSubs, ch)
			a.levelMu.Unlock()
		})
	}
}

func (a *Assessment) publishLevel(l audio.Level) {
	a.levelMu.Lock()
	defer a.levelMu.Unlock()
	for ch := range a.levelSubs {
		select {
		case ch <- l:
		default:
		}
	}
}

// Close cancels any take and stops analysis polling. It is idempotent.
func (a *Assessment) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	t := a.cancelTakeLocked()
	a.mu.Unlock()

	closeTake(t)
	var err error
	if a.orch != nil {
		err = a.orch.Close()
	}
	a.cancel()
	return err
}
