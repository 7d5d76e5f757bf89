// Package analysis drives the remote acoustic analysis job of a completed
// assessment.
//
// The [Orchestrator] is a small state machine:
//
//	idle → processing → done | failed
//
// [Orchestrator.Submit] triggers the job and starts a cancellable poll task
// that asks the [Service] for the job status on a fixed interval. Polling stops
// for good on the first terminal status, on [Orchestrator.Reset] and on
// [Orchestrator.Close]. Failures never escape as panics or dangling goroutines;
// they become the failed state, from which [Orchestrator.Retry] resubmits the
// job from scratch.
package analysis

import (
	"context"
	"fmt"
	"maps"
)

// Status is the lifecycle state of an analysis job.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether polling stops at s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Result is the observable outcome of an analysis job.
type Result struct {
	Status Status `json:"status"`

	// Metrics is the backend's structured metrics payload; set when done.
	Metrics map[string]any `json:"metrics,omitempty"`

	// Charts maps chart names to object references or URLs.
	Charts map[string]string `json:"charts,omitempty"`

	// ReportRef references the rendered report document.
	ReportRef string `json:"report_ref,omitempty"`

	// Error describes why the job failed.
	Error string `json:"error,omitempty"`
}

// Clone returns a copy of r whose top-level maps are not shared.
func (r Result) Clone() Result {
	r.Metrics = maps.Clone(r.Metrics)
	r.Charts = maps.Clone(r.Charts)
	return r
}

// Submission is everything the backend needs to start a job.
type Submission struct {
	SessionID string

	// Calibration carries options such as the reference SPL of the
	// calibration take.
	Calibration map[string]any

	// Forms holds the rendered questionnaire answers; nil when skipped.
	Forms map[string]any
}

// Service is the remote analysis collaborator.
type Service interface {
	// Submit triggers the job. It returns once the backend accepted it.
	Submit(ctx context.Context, sub Submission) error

	// PollStatus returns the current job status. Non-terminal backend states
	// are reported as [StatusProcessing].
	PollStatus(ctx context.Context, sessionID string) (Result, error)
}

// SubmitError reports that the backend refused or never received a job.
type SubmitError struct {
	SessionID string
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("analysis: submit session %s: %v", e.SessionID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PollError reports that the job status could not be read.
type PollError struct {
	SessionID string
	Err       error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("analysis: poll session %s: %v", e.SessionID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
