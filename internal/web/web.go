// Package web serves the JSON API the assessment UI talks to.
//
// Every route operates on the single [Assessment] and answers with the
// current session view, so the UI can render straight from the response.
// Failures are reported as
//
//	{"error": "...", "action": "retry_upload"}
//
// where action names the step that recovers from the failure. The level
// meter of the running take is streamed over a websocket on /api/meter.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/app"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
	"github.com/MrWong99/vocalcheck/pkg/audio/capture"
)

// Recovery actions paired with error responses.
const (
	ActionGrantPermission = "grant_permission"
	ActionRetryUpload     = "retry_upload"
	ActionRetryAnalysis   = "retry_analysis"
	ActionRestart         = "restart"
	ActionCompleteStage   = "complete_stage"
)

// maxBody bounds request bodies; every request body is a small JSON object.
const maxBody = 4 << 10

// Assessment is the subset of [app.Assessment] the API drives.
type Assessment interface {
	View() app.View
	StartRecording(ctx context.Context) error
	PauseRecording() error
	ResumeRecording() error
	KeepRecording() (app.KeepResult, error)
	DiscardRecording() error
	Advance() (protocol.Stage, error)
	Retreat() (protocol.Stage, error)
	Restart(ctx context.Context) (string, error)
	SetAnswer(scale, item string, score *int) error
	SkipQuestionnaires()
	RetryUpload(ctx context.Context) error
	SubmitAnalysis(ctx context.Context) error
	RetryAnalysis(ctx context.Context) error
	SubscribeLevels() (<-chan audio.Level, func())
}

// Handler serves the assessment API.
type Handler struct {
	a              Assessment
	originPatterns []string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin websocket connections to the meter
// from hosts matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// New returns a Handler over a.
func New(a Assessment, opts ...Option) *Handler {
	h := &Handler{a: a}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the API routes to mux:
//
//	GET  /api/session
//	POST /api/recording/{start,pause,resume,keep,discard}
//	POST /api/stage/{advance,retreat}
//	POST /api/session/restart
//	PUT  /api/questionnaires/{scale}/{item}
//	POST /api/questionnaires/skip
//	POST /api/uploads/retry
//	POST /api/analysis
//	POST /api/analysis/retry
//	GET  /api/meter (websocket)
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", h.handleSession)

	mux.HandleFunc("POST /api/recording/start", h.handleStart)
	mux.HandleFunc("POST /api/recording/pause", h.simple(h.a.PauseRecording))
	mux.HandleFunc("POST /api/recording/resume", h.simple(h.a.ResumeRecording))
	mux.HandleFunc("POST /api/recording/keep", h.handleKeep)
	mux.HandleFunc("POST /api/recording/discard", h.handleDiscard)

	mux.HandleFunc("POST /api/stage/advance", h.stageMove(h.a.Advance))
	mux.HandleFunc("POST /api/stage/retreat", h.stageMove(h.a.Retreat))
	mux.HandleFunc("POST /api/session/restart", h.handleRestart)

	mux.HandleFunc("PUT /api/questionnaires/{scale}/{item}", h.handleAnswer)
	mux.HandleFunc("POST /api/questionnaires/skip", h.handleSkip)

	mux.HandleFunc("POST /api/uploads/retry", h.withContext(h.a.RetryUpload))
	mux.HandleFunc("POST /api/analysis", h.withContext(h.a.SubmitAnalysis))
	mux.HandleFunc("POST /api/analysis/retry", h.withContext(h.a.RetryAnalysis))

	mux.HandleFunc("GET /api/meter", h.handleMeter)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (h *Handler) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.a.View())
}

// handleStart blocks until the microphone is granted or the client goes away.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.a.StartRecording(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.a.View())
}

// keepResponse reports the kept clip alongside the session. An upload failure
// does not fail the request; the clip is kept and the upload can be retried.
type keepResponse struct {
	Clip        *protocol.Clip `json:"clip,omitempty"`
	UploadError string         `json:"upload_error,omitempty"`
	Action      string         `json:"action,omitempty"`
	Session     app.View       `json:"session"`
}

func (h *Handler) handleKeep(w http.ResponseWriter, _ *http.Request) {
	res, err := h.a.KeepRecording()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := keepResponse{Clip: res.Clip, Session: h.a.View()}
	if res.UploadErr != nil {
		resp.UploadError = res.UploadErr.Error()
		resp.Action = ActionRetryUpload
	}
	writeJSON(w, http.StatusOK, resp)
}

type discardRequest struct {
	Confirm bool `json:"confirm"`
}

// handleDiscard throws the take away only when the user confirmed it.
func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req discardRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "discarding a take must be confirmed"})
		return
	}
	if err := h.a.DiscardRecording(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.a.View())
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if _, err := h.a.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.a.View())
}

type answerRequest struct {
	Score *int `json:"score"`
}

// handleAnswer sets one questionnaire score; a null score clears it.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.a.SetAnswer(r.PathValue("scale"), r.PathValue("item"), req.Score); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.a.View())
}

func (h *Handler) handleSkip(w http.ResponseWriter, _ *http.Request) {
	h.a.SkipQuestionnaires()
	writeJSON(w, http.StatusOK, h.a.View())
}

func (h *Handler) simple(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.a.View())
	}
}

func (h *Handler) withContext(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.a.View())
	}
}

func (h *Handler) stageMove(fn func() (protocol.Stage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if _, err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.a.View())
	}
}

// handleMeter streams meter readings of the running take until the client
// disconnects. Readings are dropped while the client is slow.
func (h *Handler) handleMeter(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Debug("web: meter handshake failed", "err", err)
		return
	}
	defer conn.CloseNow()

	levels, cancel := h.a.SubscribeLevels()
	defer cancel()

	// The meter is one-way; CloseRead handles the client's close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case l := <-levels:
			data, err := json.Marshal(l)
			if err != nil {
				slog.Error("web: encode level", "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("web: meter client gone", "err", err)
				return
			}
		}
	}
}

// ─── Errors ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// classify maps an error to its HTTP status and recovery action.
func classify(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var perm *capture.PermissionError
	var uerr *upload.UploadError
	var serr *analysis.SubmitError
	switch {
	case errors.As(err, &perm):
		resp.Action = ActionGrantPermission
		resp.Reason = perm.Reason.String()
		return http.StatusForbidden, resp

	case errors.As(err, &uerr):
		resp.Action = ActionRetryUpload
		return http.StatusBadGateway, resp
	case errors.Is(err, app.ErrUploadPending):
		resp.Action = ActionRetryUpload
		return http.StatusConflict, resp

	case errors.As(err, &serr):
		resp.Action = ActionRetryAnalysis
		return http.StatusBadGateway, resp

	case errors.Is(err, app.ErrNotReady),
		errors.Is(err, protocol.ErrStageIncomplete):
		resp.Action = ActionCompleteStage
		return http.StatusConflict, resp

	case errors.Is(err, protocol.ErrUnknownScale),
		errors.Is(err, protocol.ErrUnknownItem):
		return http.StatusNotFound, resp
	case errors.Is(err, protocol.ErrScoreRange):
		return http.StatusBadRequest, resp

	case errors.Is(err, app.ErrOffline):
		return http.StatusServiceUnavailable, resp

	case errors.Is(err, app.ErrTakeInProgress),
		errors.Is(err, app.ErrNoTake),
		errors.Is(err, app.ErrCannotRecord),
		errors.Is(err, capture.ErrInvalidState),
		errors.Is(err, protocol.ErrQuotaMet),
		errors.Is(err, protocol.ErrFirstStage),
		errors.Is(err, protocol.ErrLastStage),
		errors.Is(err, upload.ErrNothingToRetry),
		errors.Is(err, analysis.ErrNotIdle),
		errors.Is(err, analysis.ErrNotTerminal):
		return http.StatusConflict, resp

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, resp
	}

	// Anything else leaves the session in an unknown state; starting over
	// always recovers.
	resp.Action = ActionRestart
	return http.StatusInternalServerError, resp
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("web: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v. An empty body leaves v unchanged. On
// failure it writes a 400 response and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
