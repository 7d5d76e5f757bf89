package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// Defaults applied by [New].
const (
	DefaultMaxDuration   = 60 * time.Second
	DefaultMeterInterval = 50 * time.Millisecond
	DefaultMeterWindow   = 2048
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("capture: invalid state")

	// ErrClosed is returned by Start when the session was closed while the
	// microphone was being acquired.
	ErrClosed = errors.New("capture: session closed")
)

// State is the lifecycle position of a [Session].
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recording is a finished take.
type Recording struct {
	// Audio is the canonical WAV clip, or the raw captured blob when
	// transcoding failed.
	Audio audio.Blob

	// Duration is the recorded time, excluding pauses.
	Duration time.Duration

	// TranscodeErr is non-nil when Audio holds the untranscoded capture.
	TranscodeErr error

	// TranscodeTime is how long converting the capture took.
	TranscodeTime time.Duration
}

// Result is delivered exactly once per session to the finish handler.
type Result struct {
	// Recording is set for kept takes and nil for discarded ones.
	Recording *Recording

	// Discarded is true when the take was thrown away.
	Discarded bool

	// AutoStopped is true when the maximum duration ended the take.
	AutoStopped bool

	// Aborted is true when Close ended a take that was still running.
	Aborted bool
}

// Option configures a [Session].
type Option func(*Session)

// WithMaxDuration bounds the recorded time. When reached, the session stops
// and keeps the take.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

// WithMeterInterval sets how often the level meter samples the stream.
func WithMeterInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.meterInterval = d
		}
	}
}

// WithMeterWindow sets how many samples each meter reading covers.
func WithMeterWindow(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.meterWindow = n
		}
	}
}

// WithLevelHandler registers fn to receive meter readings while recording.
// fn runs on the meter goroutine and must not block.
func WithLevelHandler(fn func(audio.Level)) Option {
	return func(s *Session) { s.onLevel = fn }
}

// WithFinishHandler registers fn to receive the single [Result] of a session
// that started recording, whether it ends by keep, discard, timeout or Close.
// fn is called without internal locks held.
func WithFinishHandler(fn func(Result)) Option {
	return func(s *Session) { s.onFinish = fn }
}

// Session is one take on the microphone. Construct a new Session for every
// take; a stopped Session cannot be restarted. All methods are safe for
// concurrent use.
type Session struct {
	mic           Microphone
	transcoder    *audio.Transcoder
	maxDuration   time.Duration
	meterInterval time.Duration
	meterWindow   int
	onLevel       func(audio.Level)
	onFinish      func(Result)

	// opMu serialises lifecycle operations; mu guards the fields below.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	closing     bool
	cancelStart context.CancelFunc
	stream      Stream
	chunks      [][]byte
	collectDone chan struct{}
	meterStop   chan struct{}
	meterDone   chan struct{}
	timer       *time.Timer
	timerGen    int
	recorded    time.Duration
	segment     time.Time

	releaseOnce sync.Once
	releaseErr  error
	finishOnce  sync.Once
}

// New returns an idle [Session]. A nil transcoder selects
// [audio.NewTranscoder] with default settings.
func New(mic Microphone, transcoder *audio.Transcoder, opts ...Option) *Session {
	if transcoder == nil {
		transcoder = audio.NewTranscoder()
	}
	s := &Session{
		mic:           mic,
		transcoder:    transcoder,
		maxDuration:   DefaultMaxDuration,
		meterInterval: DefaultMeterInterval,
		meterWindow:   DefaultMeterWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the recorded time so far, excluding pauses.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	if s.state == StateRecording {
		return s.recorded + time.Since(s.segment)
	}
	return s.recorded
}

// Start acquires the microphone and begins recording. It blocks until the
// device is granted, ctx is cancelled, or [Session.Close] is called. Any
// failure leaves the session stopped; acquisition failures are returned as
// *[PermissionError].
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle || s.closing {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, st)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()

	stream, err := s.mic.Open(ctx)
	cancel()

	s.mu.Lock()
	s.cancelStart = nil
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		var pe *PermissionError
		if errors.As(err, &pe) {
			return err
		}
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	if s.closing {
		s.state = StateStopped
		s.stream = stream
		s.mu.Unlock()
		_ = s.release()
		return ErrClosed
	}

	s.stream = stream
	s.state = StateRecording
	s.segment = time.Now()
	s.collectDone = make(chan struct{})
	go s.collect(stream.Chunks(), s.collectDone)
	s.startMeterLocked()
	s.armTimerLocked(s.maxDuration)
	s.mu.Unlock()

	slog.Debug("capture: recording started", "mime_type", stream.MIMEType(), "max_duration", s.maxDuration)
	return nil
}

// Pause halts metering and capture without releasing the microphone.
func (s *Session) Pause() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, st)
	}
	s.recorded += time.Since(s.segment)
	s.state = StatePaused
	s.disarmTimerLocked()
	stop, done := s.takeMeterLocked()
	stream := s.stream
	s.mu.Unlock()

	stopMeter(stop, done)
	return stream.Pause()
}

// Resume continues a paused take.
func (s *Session) Resume() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StatePaused {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, st)
	}
	stream := s.stream
	s.mu.Unlock()

	if err := stream.Resume(); err != nil {
		return fmt.Errorf("capture: resume: %w", err)
	}

	s.mu.Lock()
	s.state = StateRecording
	s.segment = time.Now()
	s.startMeterLocked()
	s.armTimerLocked(s.maxDuration - s.recorded)
	s.mu.Unlock()
	return nil
}

// StopAndKeep ends the take, transcodes the captured audio and returns it.
// The microphone is released before transcoding starts, so a failed
// transcode never holds the device. Transcode failures are logged and the
// raw capture is returned instead.
func (s *Session) StopAndKeep() (*Recording, error) {
	res, err := s.stop(true, false, -1)
	if err != nil {
		return nil, err
	}
	s.finish(res)
	return res.Recording, nil
}

// StopAndDiscard ends the take and throws the captured audio away. It is
// deliberately separate from [Session.StopAndKeep]; callers are expected to
// confirm with the user first.
func (s *Session) StopAndDiscard() error {
	res, err := s.stop(false, false, -1)
	if err != nil {
		return err
	}
	s.finish(res)
	return nil
}

// Close tears the session down from any state. A pending Start is cancelled
// and a running take is discarded. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.mu.Unlock()

	res, err := s.stop(false, false, -1)
	switch {
	case err == nil:
		res.Aborted = true
		s.finish(res)
	case errors.Is(err, ErrInvalidState):
		s.mu.Lock()
		if s.state == StateIdle {
			s.state = StateStopped
		}
		s.mu.Unlock()
	default:
		return err
	}
	return s.releaseResult()
}

func (s *Session) autoStop(gen int) {
	res, err := s.stop(true, true, gen)
	if err != nil {
		return
	}
	slog.Info("capture: maximum duration reached, keeping take", "max_duration", s.maxDuration)
	s.finish(res)
}

// stop is the single exit path for recording and paused sessions. gen >= 0
// restricts the call to the timer generation that scheduled it.
func (s *Session) stop(keep, auto bool, gen int) (Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		st := s.state
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, st)
	}
	if gen >= 0 && gen != s.timerGen {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: stale timer", ErrInvalidState)
	}
	s.recorded = s.elapsedLocked()
	s.state = StateStopped
	s.disarmTimerLocked()
	stop, done := s.takeMeterLocked()
	collectDone := s.collectDone
	mime := s.stream.MIMEType()
	s.mu.Unlock()

	stopMeter(stop, done)
	if err := s.release(); err != nil {
		slog.Warn("capture: release microphone", "err", err)
	}
	<-collectDone

	s.mu.Lock()
	chunks := s.chunks
	s.chunks = nil
	recorded := s.recorded
	s.mu.Unlock()

	if !keep {
		return Result{Discarded: true}, nil
	}

	var size int
	for _, c := range chunks {
		size += len(c)
	}
	raw := make([]byte, 0, size)
	for _, c := range chunks {
		raw = append(raw, c...)
	}

	tstart := time.Now()
	out, _, terr := s.transcoder.Transcode(audio.Blob{Data: raw, MIMEType: mime})
	ttime := time.Since(tstart)
	if terr != nil {
		slog.Warn("capture: transcode failed, keeping original audio", "mime_type", mime, "bytes", len(raw), "err", terr)
	}
	return Result{
		Recording:   &Recording{Audio: out, Duration: recorded, TranscodeErr: terr, TranscodeTime: ttime},
		AutoStopped: auto,
	}, nil
}

// release closes the stream exactly once.
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			s.releaseErr = stream.Close()
		}
	})
	return s.releaseErr
}

func (s *Session) releaseResult() error {
	s.mu.Lock()
	opened := s.stream != nil
	s.mu.Unlock()
	if !opened {
		return nil
	}
	return s.release()
}

func (s *Session) finish(res Result) {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(res)
		}
	})
}

func (s *Session) collect(ch <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for c := range ch {
		if len(c) == 0 {
			continue
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.mu.Unlock()
	}
}

// ─── Meter ────────────────────────────────────────────────────────────────────

func (s *Session) startMeterLocked() {
	if s.onLevel == nil {
		return
	}
	s.meterStop = make(chan struct{})
	s.meterDone = make(chan struct{})
	go s.meter(s.stream, s.meterStop, s.meterDone)
}

func (s *Session) takeMeterLocked() (stop, done chan struct{}) {
	stop, done = s.meterStop, s.meterDone
	s.meterStop, s.meterDone = nil, nil
	return stop, done
}

func stopMeter(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Session) meter(stream Stream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.meterInterval)
	defer ticker.Stop()
	window := make([]float32, s.meterWindow)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := stream.ReadWindow(window)
			if n == 0 {
				continue
			}
			s.onLevel(audio.Measure(window[:n]))
		}
	}
}

// ─── Max-duration timer ───────────────────────────────────────────────────────

func (s *Session) armTimerLocked(remaining time.Duration) {
	s.timerGen++
	gen := s.timerGen
	if remaining < 0 {
		remaining = 0
	}
	s.timer = time.AfterFunc(remaining, func() { s.autoStop(gen) })
}

func (s *Session) disarmTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
