// Package mock provides in-memory mock implementations of
// [capture.Microphone], [capture.Stream] and [audio.Decoder] for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.PCMMIMEType(audio.Format{SampleRate: 48000, Channels: 1}))
//	mic := &mock.Microphone{OpenResult: stream}
//	sess := capture.New(mic, nil)
//	_ = sess.Start(ctx)
//	stream.Push(pcm)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Chunks are fed with
// [Stream.Push]; Close flushes FlushOnClose and closes the chunk channel on
// its first call only.
type Stream struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	// MIME is returned by MIMEType.
	MIME string

	// Window is copied into the destination of ReadWindow.
	Window []float32

	// FlushOnClose is delivered on the chunk channel during the first Close.
	FlushOnClose [][]byte

	// PauseError, ResumeError and CloseError are returned by the matching methods.
	PauseError  error
	ResumeError error
	CloseError  error

	// CallCount* record how many times each method was called.
	CallCountPause      int
	CallCountResume     int
	CallCountClose      int
	CallCountReadWindow int
}

// NewStream returns a [Stream] with a buffered chunk channel.
func NewStream(mime string) *Stream {
	return &Stream{ch: make(chan []byte, 64), MIME: mime}
}

// Push delivers chunk on the chunk channel. Pushing after Close is a no-op.
func (s *Stream) Push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- chunk
}

// Chunks implements [capture.Stream].
func (s *Stream) Chunks() <-chan []byte { return s.ch }

// MIMEType implements [capture.Stream].
func (s *Stream) MIMEType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MIME
}

// ReadWindow implements [capture.Stream]. Copies Window into dst.
func (s *Stream) ReadWindow(dst []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReadWindow++
	return copy(dst, s.Window)
}

// SetWindow replaces the samples returned by ReadWindow.
func (s *Stream) SetWindow(w []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Window = w
}

// Pause implements [capture.Stream]. Returns PauseError.
func (s *Stream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	return s.PauseError
}

// Resume implements [capture.Stream]. Returns ResumeError.
func (s *Stream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	return s.ResumeError
}

// Close implements [capture.Stream]. Returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		go func(ch chan []byte, flush [][]byte) {
			for _, c := range flush {
				ch <- c
			}
			close(ch)
		}(s.ch, s.FlushOnClose)
	}
	return s.CloseError
}

// Closes returns how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open when NewStream is nil.
	OpenResult capture.Stream

	// NewStream, when set, is called on every Open to produce a fresh stream.
	NewStream func() capture.Stream

	// OpenError is returned by Open.
	OpenError error

	// Block makes Open wait for ctx to be cancelled and return ctx.Err().
	Block bool

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened records every stream handed out, in order.
	Opened []capture.Stream
}

// Open implements [capture.Microphone].
func (m *Microphone) Open(ctx context.Context) (capture.Stream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	block := m.Block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	s := m.OpenResult
	if m.NewStream != nil {
		s = m.NewStream()
	}
	m.Opened = append(m.Opened, s)
	return s, nil
}

// OpenCalls returns how many times Open was called.
func (m *Microphone) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() capture.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Opened) == 0 {
		return nil
	}
	return m.Opened[len(m.Opened)-1]
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock implementation of [audio.Decoder].
type Decoder struct {
	mu sync.Mutex

	// DecodeResult and DecodeError are returned by Decode.
	DecodeResult audio.PCM
	DecodeError  error

	// Calls records every blob passed to Decode.
	Calls []audio.Blob
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(blob audio.Blob) (audio.PCM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, blob)
	return d.DecodeResult, d.DecodeError
}
