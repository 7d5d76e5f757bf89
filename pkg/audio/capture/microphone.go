// Package capture owns the microphone for the duration of one take.
//
// A [Session] is a single-use state machine:
//
//	idle → recording ⇄ paused → stopped
//
// It acquires a [Stream] from a [Microphone] on [Session.Start], feeds a level
// meter while recording, enforces a maximum duration, and on stop either
// transcodes the captured chunks into a canonical WAV [Recording] or discards
// them. Every exit path releases the stream exactly once.
package capture

import (
	"context"
	"fmt"
)

// Microphone hands out capture streams. Only one stream may be open at a time.
type Microphone interface {
	// Open acquires the capture device. It may block for as long as the user
	// leaves a permission prompt unanswered and must return when ctx is
	// cancelled. Failures to obtain the device are reported as
	// *[PermissionError].
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture device plus its encoder and analysis tap.
type Stream interface {
	// Chunks delivers encoded audio chunks in capture order. The channel is
	// closed by Close after any buffered data has been flushed.
	Chunks() <-chan []byte

	// MIMEType describes the concatenation of all chunks.
	MIMEType() string

	// ReadWindow copies the most recent mono samples, normalised to [-1, 1],
	// into dst and returns how many were written.
	ReadWindow(dst []float32) int

	// Pause suspends capture without releasing the device.
	Pause() error

	// Resume continues capture after Pause.
	Resume() error

	// Close flushes pending data, closes the Chunks channel, and releases
	// the device and any processing graph. It must be safe to call once.
	Close() error
}

// Reason distinguishes why the microphone could not be acquired.
type Reason int

const (
	// ReasonDenied means the user declined access.
	ReasonDenied Reason = iota

	// ReasonNoDevice means no capture device is present.
	ReasonNoDevice
)

// String returns the wire name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonDenied:
		return "denied"
	case ReasonNoDevice:
		return "no_device"
	default:
		return "unknown"
	}
}

// PermissionError reports that the microphone could not be acquired. It is
// not retryable without user action outside the application.
type PermissionError struct {
	Reason Reason
	Err    error
}

func (e *PermissionError) Error() string {
	msg := "capture: microphone access denied"
	if e.Reason == ReasonNoDevice {
		msg = "capture: no capture device available"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PermissionError) Unwrap() error { return e.Err }
