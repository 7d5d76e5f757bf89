// Package remote implements a [capture.Microphone] fed by a browser over a
// websocket.
//
// The page that owns the real capture device connects to the handler and
// announces itself with a text message:
//
//	{"type":"hello","sample_rate":48000,"channels":1}
//
// or reports that it could not obtain a device:
//
//	{"type":"error","reason":"denied"}     // or "no_device"
//
// After a hello, binary messages carry interleaved little-endian PCM16. The
// server steers the peer with {"type":"start"}, {"type":"pause"},
// {"type":"resume"} and {"type":"stop"} text messages.
//
// The microphone is a singleton: one peer may be connected and one stream may
// be open at a time.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
)

// Compile-time interface checks.
var (
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Stream     = (*stream)(nil)
	_ http.Handler       = (*Microphone)(nil)
)

var (
	// ErrBusy is returned by Open while another stream holds the microphone.
	ErrBusy = errors.New("remote: microphone already in use")

	// errPeerGone is the cause attached to a PermissionError when the peer
	// disconnects while Open is waiting.
	errPeerGone = errors.New("remote: capture peer disconnected")
)

const (
	// DefaultHelloTimeout bounds how long a new peer may take to introduce itself.
	DefaultHelloTimeout = 10 * time.Second

	// DefaultWindow is the number of mono samples kept for metering.
	DefaultWindow = 8192

	// chunkBuffer is the capacity of a stream's chunk channel.
	chunkBuffer = 1024
)

// message is the JSON envelope of every text message in both directions.
type message struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Option configures a [Microphone].
type Option func(*Microphone)

// WithHelloTimeout overrides [DefaultHelloTimeout].
func WithHelloTimeout(d time.Duration) Option {
	return func(m *Microphone) {
		if d > 0 {
			m.helloTimeout = d
		}
	}
}

// WithWindow overrides [DefaultWindow].
func WithWindow(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithOriginPatterns sets the host patterns allowed to connect from another
// origin. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(m *Microphone) { m.originPatterns = patterns }
}

// Microphone accepts capture peers over HTTP and hands out one stream at a
// time. It is safe for concurrent use.
type Microphone struct {
	helloTimeout   time.Duration
	window         int
	originPatterns []string

	mu     sync.Mutex
	peer   *peer
	stream *stream
	// changed is closed and replaced whenever the peer changes.
	changed chan struct{}
}

// New returns a Microphone with no peer connected.
func New(opts ...Option) *Microphone {
	m := &Microphone{
		helloTimeout: DefaultHelloTimeout,
		window:       DefaultWindow,
		changed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// peer is one connected browser page.
type peer struct {
	conn   *websocket.Conn
	format audio.Format
	// failure is set when the peer reported it has no usable device.
	failure *capture.PermissionError
}

func (p *peer) send(ctx context.Context, typ string) error {
	data, err := json.Marshal(message{Type: typ})
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, websocket.MessageText, data)
}

// Connected reports whether a peer is attached.
func (m *Microphone) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer != nil
}

// ServeHTTP upgrades the request to a websocket and serves it as the capture
// peer until it disconnects. A second concurrent peer is refused with 409.
func (m *Microphone) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	busy := m.peer != nil
	m.mu.Unlock()
	if busy {
		http.Error(w, "capture peer already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: m.originPatterns})
	if err != nil {
		slog.Warn("remote: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	p, err := m.handshake(r.Context(), conn)
	if err != nil {
		slog.Warn("remote: handshake failed", "remote_addr", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "expected hello or error")
		return
	}

	m.mu.Lock()
	if m.peer != nil {
		m.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "capture peer already connected")
		return
	}
	m.peer = p
	m.signalLocked()
	m.mu.Unlock()

	if p.failure != nil {
		slog.Info("remote: peer has no microphone", "reason", p.failure.Reason)
	} else {
		slog.Info("remote: peer connected", "format", p.format)
	}

	err = m.readLoop(r.Context(), p)

	m.mu.Lock()
	if m.peer == p {
		m.peer = nil
		m.signalLocked()
	}
	m.mu.Unlock()

	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		slog.Info("remote: peer disconnected")
		return
	}
	slog.Warn("remote: peer connection lost", "err", err)
}

// handshake reads the first message of a new peer.
func (m *Microphone) handshake(ctx context.Context, conn *websocket.Conn) (*peer, error) {
	hctx, cancel := context.WithTimeout(ctx, m.helloTimeout)
	defer cancel()

	typ, data, err := conn.Read(hctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errors.New("first message must be text")
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}

	p := &peer{conn: conn}
	switch msg.Type {
	case "hello":
		if msg.SampleRate <= 0 || msg.Channels <= 0 {
			return nil, fmt.Errorf("invalid format %d Hz, %d channels", msg.SampleRate, msg.Channels)
		}
		p.format = audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
	case "error":
		p.failure = permissionError(msg.Reason)
	default:
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	return p, nil
}

// readLoop forwards audio to the open stream until the connection ends. A
// peer may send a new hello or error at any time to change its state.
func (m *Microphone) readLoop(ctx context.Context, p *peer) error {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			m.handleControl(p, data)
			continue
		}

		m.mu.Lock()
		st := m.stream
		m.mu.Unlock()
		if st == nil || st.peer != p {
			continue
		}
		st.push(data)
	}
}

func (m *Microphone) handleControl(p *peer, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("remote: ignoring malformed control message", "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg.Type {
	case "hello":
		if msg.SampleRate <= 0 || msg.Channels <= 0 {
			return
		}
		f := audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
		// The open stream keeps the format it started with.
		if st := m.stream; st != nil && st.peer == p {
			if f != st.format {
				slog.Warn("remote: ignoring format change during capture",
					"have", st.format.String(), "got", f.String())
			}
			return
		}
		p.format = f
		p.failure = nil
		m.signalLocked()
	case "error":
		p.failure = permissionError(msg.Reason)
		m.signalLocked()
	}
}

func (m *Microphone) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Open waits for a peer and returns a stream of its audio. It returns a
// *[capture.PermissionError] when the peer reported no usable device, and
// [ErrBusy] when a stream is already open.
func (m *Microphone) Open(ctx context.Context) (capture.Stream, error) {
	for {
		m.mu.Lock()
		if m.stream != nil {
			m.mu.Unlock()
			return nil, ErrBusy
		}
		p := m.peer
		changed := m.changed
		if p != nil && p.failure != nil {
			perr := *p.failure
			m.mu.Unlock()
			return nil, &perr
		}
		if p != nil {
			st := newStream(m, p, m.window)
			m.stream = st
			m.mu.Unlock()

			if err := p.send(ctx, "start"); err != nil {
				st.detach()
				return nil, &capture.PermissionError{Reason: capture.ReasonNoDevice, Err: fmt.Errorf("start peer: %w", err)}
			}
			return st, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func permissionError(reason string) *capture.PermissionError {
	if reason == "no_device" {
		return &capture.PermissionError{Reason: capture.ReasonNoDevice}
	}
	return &capture.PermissionError{Reason: capture.ReasonDenied}
}

// stream is one open capture on the current peer.
type stream struct {
	mic    *Microphone
	peer   *peer
	format audio.Format
	mime   string
	ch     chan []byte

	mu      sync.Mutex
	closed  bool
	paused  bool
	ring    []float32
	pos     int
	filled  bool
	dropped int
}

func newStream(m *Microphone, p *peer, window int) *stream {
	return &stream{
		mic:    m,
		peer:   p,
		format: p.format,
		mime:   audio.PCMMIMEType(p.format),
		ch:     make(chan []byte, chunkBuffer),
		ring:   make([]float32, window),
	}
}

// push hands a chunk to the capture session and feeds the meter window.
func (s *stream) push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.paused {
		return
	}
	select {
	case s.ch <- chunk:
	default:
		s.dropped++
		return
	}
	for _, v := range audio.PCM16ToMono(chunk, s.format.Channels) {
		s.ring[s.pos] = v
		s.pos++
		if s.pos == len(s.ring) {
			s.pos, s.filled = 0, true
		}
	}
}

func (s *stream) Chunks() <-chan []byte { return s.ch }

func (s *stream) MIMEType() string { return s.mime }

// ReadWindow copies the newest samples, oldest first.
func (s *stream) ReadWindow(dst []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.pos
	if s.filled {
		avail = len(s.ring)
	}
	n := min(len(dst), avail)
	start := s.pos - n
	if start >= 0 {
		copy(dst, s.ring[start:s.pos])
		return n
	}
	k := copy(dst, s.ring[len(s.ring)+start:])
	copy(dst[k:], s.ring[:s.pos])
	return n
}

func (s *stream) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	if err := s.control("pause"); err != nil && !errors.Is(err, errPeerGone) {
		return err
	}
	return nil
}

func (s *stream) Resume() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return s.control("resume")
}

// Close tells the peer to stop, closes the chunk channel and frees the
// microphone. Only the first call has any effect.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	dropped := s.dropped
	s.mu.Unlock()

	if dropped > 0 {
		slog.Warn("remote: capture chunks dropped", "count", dropped)
	}
	err := s.control("stop")
	s.detach()
	if errors.Is(err, errPeerGone) {
		return nil
	}
	return err
}

// control sends typ to the peer that owns the stream, if it is still attached.
func (s *stream) control(typ string) error {
	s.mic.mu.Lock()
	attached := s.mic.peer == s.peer
	s.mic.mu.Unlock()
	if !attached {
		return errPeerGone
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.peer.send(ctx, typ); err != nil {
		return fmt.Errorf("remote: send %s: %w", typ, err)
	}
	return nil
}

func (s *stream) detach() {
	s.mic.mu.Lock()
	defer s.mic.mu.Unlock()
	if s.mic.stream == s {
		s.mic.stream = nil
	}
}
