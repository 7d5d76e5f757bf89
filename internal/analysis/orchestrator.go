package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocalcheck/internal/observe"
)

var (
	// ErrNotIdle is returned by Submit while a job is processing or finished.
	ErrNotIdle = errors.New("analysis: orchestrator is not idle")

	// ErrNotTerminal is returned by Retry unless the last job is done or failed.
	ErrNotTerminal = errors.New("analysis: no finished job to retry")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("analysis: orchestrator closed")
)

// DefaultPollInterval is the delay between status polls.
const DefaultPollInterval = 3 * time.Second

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithInterval sets the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithPollErrorBudget sets how many consecutive poll errors are tolerated
// before the job is declared failed. The default of 0 fails on the first.
func WithPollErrorBudget(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.errBudget = n
		}
	}
}

// WithChangeHandler registers fn to be called after every state change with
// the session id of the job and the current result. Calls are serialised and
// always carry the latest state, so the last call reflects the final state.
// fn must not call back into the Orchestrator.
func WithChangeHandler(fn func(sessionID string, r Result)) Option {
	return func(o *Orchestrator) { o.onChange = fn }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator submits one analysis job at a time and polls it to a terminal
// state. All methods are safe for concurrent use.
type Orchestrator struct {
	svc       Service
	interval  time.Duration
	errBudget int
	onChange  func(string, Result)
	metrics   *observe.Metrics

	notifyMu sync.Mutex

	mu     sync.Mutex
	state  Result
	sub    Submission
	hasSub bool
	// gen is bumped whenever a job is started or abandoned; poll results
	// carrying an older generation are dropped.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New returns an idle Orchestrator backed by svc.
func New(svc Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		svc:      svc,
		interval: DefaultPollInterval,
		state:    Result{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// State returns a copy of the current result.
func (o *Orchestrator) State() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Submit triggers a job for sub and starts polling. It is only valid from
// idle. A rejected submission leaves the orchestrator failed and returns a
// *[SubmitError].
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state.Status != StatusIdle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	gen := o.beginLocked(sub)
	o.mu.Unlock()

	o.notify()
	return o.submit(ctx, gen, sub)
}

// Retry clears a done or failed job and resubmits the same submission from
// scratch. It does not resume the previous remote job.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.state.Status.Terminal() || !o.hasSub {
		o.mu.Unlock()
		return ErrNotTerminal
	}
	sub := o.sub
	cancel := o.stopLocked()
	gen := o.beginLocked(sub)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("analysis: retrying", "session_id", sub.SessionID)
	o.notify()
	return o.submit(ctx, gen, sub)
}

// Reset abandons any job, cancels polling and returns to idle. Results of
// the abandoned job that arrive later are discarded.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	cancel := o.stopLocked()
	changed := o.state.Status != StatusIdle
	o.state = Result{Status: StatusIdle}
	o.sub, o.hasSub = Submission{}, false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if changed {
		o.notify()
	}
}

// Close cancels polling and waits for the poll task to exit. The last state
// remains readable. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	done := o.done
	cancel := o.stopLocked()
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (o *Orchestrator) beginLocked(sub Submission) uint64 {
	o.gen++
	o.sub, o.hasSub = sub, true
	o.state = Result{Status: StatusProcessing}
	return o.gen
}

// stopLocked invalidates the running job and returns its cancel func.
func (o *Orchestrator) stopLocked() context.CancelFunc {
	o.gen++
	cancel := o.cancel
	o.cancel, o.done = nil, nil
	return cancel
}

func (o *Orchestrator) submit(ctx context.Context, gen uint64, sub Submission) error {
	err := o.svc.Submit(ctx, sub)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		if err != nil {
			return &SubmitError{SessionID: sub.SessionID, Err: err}
		}
		return nil
	}
	if err != nil {
		serr := &SubmitError{SessionID: sub.SessionID, Err: err}
		o.metrics.RecordAnalysisOutcome(ctx, string(StatusFailed))
		o.state = Result{Status: StatusFailed, Error: serr.Error()}
		o.mu.Unlock()

		slog.Warn("analysis: submit failed", "session_id", sub.SessionID, "err", err)
		o.notify()
		return serr
	}

	pctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.mu.Unlock()

	slog.Info("analysis: submitted", "session_id", sub.SessionID, "interval", o.interval)
	go o.poll(pctx, gen, sub.SessionID, done)
	return nil
}

func (o *Orchestrator) poll(ctx context.Context, gen uint64, sessionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := o.svc.PollStatus(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			o.metrics.RecordAnalysisPoll(ctx, "error")
			slog.Warn("analysis: poll failed", "session_id", sessionID, "attempt", failures, "err", err)
			if failures <= o.errBudget {
				continue
			}
			perr := &PollError{SessionID: sessionID, Err: err}
			o.finish(ctx, gen, Result{Status: StatusFailed, Error: perr.Error()})
			return
		}
		failures = 0

		if !res.Status.Terminal() {
			o.metrics.RecordAnalysisPoll(ctx, string(StatusProcessing))
			continue
		}
		o.metrics.RecordAnalysisPoll(ctx, string(res.Status))
		if res.Status == StatusFailed && res.Error == "" {
			res.Error = "analysis failed"
		}
		o.finish(ctx, gen, res.Clone())
		return
	}
}

func (o *Orchestrator) finish(ctx context.Context, gen uint64, res Result) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.metrics.RecordAnalysisOutcome(ctx, string(res.Status))
	o.state = res
	sessionID := o.sub.SessionID
	o.mu.Unlock()

	if res.Status == StatusFailed {
		slog.Warn("analysis: job failed", "session_id", sessionID, "reason", res.Error)
	} else {
		slog.Info("analysis: job done", "session_id", sessionID)
	}
	o.notify()
}

func (o *Orchestrator) notify() {
	if o.onChange == nil {
		return
	}
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	sessionID := o.sub.SessionID
	res := o.state.Clone()
	o.mu.Unlock()

	o.onChange(sessionID, res)
}
