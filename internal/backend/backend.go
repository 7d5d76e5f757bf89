// Package backend is the HTTP client for the assessment backend.
//
// A single [Client] implements all three remote collaborators of an
// assessment:
//
//   - [protocol.IDSource]: POST /sessions issues session identifiers.
//   - [upload.Storage]: POST /uploads reserves an object and returns a
//     pre-signed PUT URL; the clip bytes are then PUT to that URL directly.
//   - [analysis.Service]: POST /analyze triggers the job and
//     GET /results/{sessionId} reports its status.
//
// Several base URLs may be configured. They form a [resilience.FallbackGroup]
// in which each endpoint has its own circuit breaker. Client errors (4xx) are
// returned as-is: they neither trip a breaker nor move on to the next endpoint.
//
// Every call runs in its own OpenTelemetry span and is counted in the
// vocalcheck.backend.requests metric.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/observe"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/internal/resilience"
	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// DefaultTimeout bounds a single HTTP exchange when none is configured.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 4 << 10

// Compile-time interface assertions.
var (
	_ protocol.IDSource = (*Client)(nil)
	_ upload.Storage    = (*Client)(nil)
	_ analysis.Service  = (*Client)(nil)
)

// ErrNoEndpoints is returned by [New] without any base URL.
var ErrNoEndpoints = errors.New("backend: at least one base URL is required")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Endpoint string
	Code     int

	// Message is the backend's "error" field, or the raw body.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Message)
}

// Temporary reports whether retrying against the same or another endpoint
// may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Config configures a [Client].
type Config struct {
	// BaseURLs are tried in order. The first is the primary.
	BaseURLs []string

	// Token, when set, is sent as a bearer token on every API call. It is
	// never sent to pre-signed upload URLs.
	Token string

	// Timeout bounds each HTTP exchange. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// CircuitBreaker tunes the per-endpoint breakers.
	CircuitBreaker resilience.CircuitBreakerConfig
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client talks to the assessment backend. It is safe for concurrent use.
type Client struct {
	endpoints *resilience.FallbackGroup[string]
	http      *http.Client
	token     string
	metrics   *observe.Metrics
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, ErrNoEndpoints
	}
	bases := make([]string, 0, len(cfg.BaseURLs))
	for _, raw := range cfg.BaseURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("backend: invalid base URL %q", raw)
		}
		bases = append(bases, strings.TrimRight(raw, "/"))
	}

	c := &Client{token: cfg.Token}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	cbCfg := cfg.CircuitBreaker
	cbCfg.IsFailure = countsAgainstEndpoint
	cbCfg.OnStateChange = func(name string, _, to resilience.State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	c.endpoints = resilience.NewFallbackGroup(bases[0], bases[0], resilience.FallbackConfig{
		CircuitBreaker: cbCfg,
		ShouldFallback: countsAgainstEndpoint,
	})
	for _, b := range bases[1:] {
		c.endpoints.AddFallback(b, b)
	}
	return c, nil
}

// countsAgainstEndpoint reports whether err says something about the health
// of the endpoint rather than about the request.
func countsAgainstEndpoint(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Endpoints reports the breaker state of each base URL.
func (c *Client) Endpoints() []resilience.EntryStatus {
	return c.endpoints.Statuses()
}

// Ready fails when every endpoint's breaker is open. It is meant for
// readiness checks and never issues a request.
func (c *Client) Ready(context.Context) error {
	for _, st := range c.endpoints.Statuses() {
		if st.State != resilience.StateOpen {
			return nil
		}
	}
	return errors.New("backend: all endpoints unavailable")
}

// --- wire types ---

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

type uploadRequest struct {
	SessionID   string `json:"sessionId"`
	Step        string `json:"step"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type uploadResponse struct {
	PutURL    string `json:"putUrl"`
	ObjectKey string `json:"objectKey"`
}

type analyzeRequest struct {
	SessionID   string         `json:"sessionId"`
	Calibration map[string]any `json:"calibration,omitempty"`
	Forms       map[string]any `json:"forms,omitempty"`
}

type resultResponse struct {
	Status       string            `json:"status"`
	Metrics      map[string]any    `json:"metrics"`
	Charts       map[string]string `json:"charts"`
	ReportPDF    string            `json:"reportPdf"`
	ErrorMessage string            `json:"errorMessage"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewSessionID implements [protocol.IDSource].
func (c *Client) NewSessionID(ctx context.Context) (_ string, err error) {
	ctx, span := observe.StartSpan(ctx, "backend.create_session")
	defer observe.EndSpan(span, &err)

	var resp sessionResponse
	if err := c.call(ctx, "sessions", http.MethodPost, "/sessions", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("backend: create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", errors.New("backend: create session: empty sessionId")
	}
	span.SetAttributes(attribute.String("session_id", resp.SessionID))
	return resp.SessionID, nil
}

// RequestUploadTarget implements [upload.Storage].
func (c *Client) RequestUploadTarget(ctx context.Context, req upload.TargetRequest) (_ upload.Target, err error) {
	ctx, span := observe.StartSpan(ctx, "backend.upload_target", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("file", req.FileName),
	))
	defer observe.EndSpan(span, &err)

	body := uploadRequest{
		SessionID:   req.SessionID,
		Step:        strconv.Itoa(req.StageID),
		FileName:    req.FileName,
		ContentType: req.MIMEType,
	}
	var resp uploadResponse
	if err := c.call(ctx, "uploads", http.MethodPost, "/uploads", body, &resp); err != nil {
		return upload.Target{}, fmt.Errorf("backend: upload target: %w", err)
	}
	if resp.PutURL == "" || resp.ObjectKey == "" {
		return upload.Target{}, errors.New("backend: upload target: incomplete response")
	}
	return upload.Target{PutURL: resp.PutURL, ObjectKey: resp.ObjectKey}, nil
}

// Transfer implements [upload.Storage]. The PUT goes straight to putURL,
// outside the endpoint failover, without credentials.
func (c *Client) Transfer(ctx context.Context, putURL string, blob audio.Blob) (err error) {
	ctx, span := observe.StartSpan(ctx, "backend.transfer", trace.WithAttributes(
		attribute.Int("bytes", len(blob.Data)),
	))
	defer observe.EndSpan(span, &err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(blob.Data))
	if err != nil {
		return fmt.Errorf("backend: transfer: build request: %w", err)
	}
	if blob.MIMEType != "" {
		req.Header.Set("Content-Type", blob.MIMEType)
	}
	req.ContentLength = int64(len(blob.Data))

	err = c.do(req, "transfer", nil)
	c.metrics.RecordBackendRequest(ctx, "transfer", outcome(err))
	if err != nil {
		return fmt.Errorf("backend: transfer: %w", err)
	}
	return nil
}

// Submit implements [analysis.Service].
func (c *Client) Submit(ctx context.Context, sub analysis.Submission) (err error) {
	ctx, span := observe.StartSpan(ctx, "backend.analyze", trace.WithAttributes(
		attribute.String("session_id", sub.SessionID),
	))
	defer observe.EndSpan(span, &err)

	body := analyzeRequest{
		SessionID:   sub.SessionID,
		Calibration: sub.Calibration,
		Forms:       sub.Forms,
	}
	if err := c.call(ctx, "analyze", http.MethodPost, "/analyze", body, nil); err != nil {
		return fmt.Errorf("backend: analyze: %w", err)
	}
	return nil
}

// PollStatus implements [analysis.Service]. The backend's created and queued
// states are reported as processing; unknown states are an error.
func (c *Client) PollStatus(ctx context.Context, sessionID string) (_ analysis.Result, err error) {
	ctx, span := observe.StartSpan(ctx, "backend.results", trace.WithAttributes(
		attribute.String("session_id", sessionID),
	))
	defer observe.EndSpan(span, &err)

	var resp resultResponse
	path := "/results/" + url.PathEscape(sessionID)
	if err := c.call(ctx, "results", http.MethodGet, path, nil, &resp); err != nil {
		return analysis.Result{}, fmt.Errorf("backend: results: %w", err)
	}

	res := analysis.Result{
		Metrics:   resp.Metrics,
		Charts:    resp.Charts,
		ReportRef: resp.ReportPDF,
		Error:     resp.ErrorMessage,
	}
	switch resp.Status {
	case "created", "queued", "processing":
		res.Status = analysis.StatusProcessing
	case "done":
		res.Status = analysis.StatusDone
	case "failed":
		res.Status = analysis.StatusFailed
	default:
		return analysis.Result{}, fmt.Errorf("backend: results: unknown status %q", resp.Status)
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	return res, nil
}

// call sends an API request to the first healthy endpoint and decodes the
// JSON response into out, if non-nil.
func (c *Client) call(ctx context.Context, endpoint, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	err := c.endpoints.Execute(ctx, func(ctx context.Context, base string) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return c.do(req, endpoint, out)
	})
	c.metrics.RecordBackendRequest(ctx, endpoint, outcome(err))
	return err
}

// do executes req and decodes a 2xx JSON body into out, if non-nil.
func (c *Client) do(req *http.Request, endpoint string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(endpoint string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Message: msg}
}

// outcome is the status attribute of the backend.requests metric.
func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return strconv.Itoa(se.Code)
	case errors.Is(err, resilience.ErrAllFailed), errors.Is(err, resilience.ErrCircuitOpen):
		return "unavailable"
	default:
		return "error"
	}
}
