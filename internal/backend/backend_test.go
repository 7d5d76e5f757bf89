package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/vocalcheck/internal/analysis"
	"github.com/MrWong99/vocalcheck/internal/backend"
	"github.com/MrWong99/vocalcheck/internal/resilience"
	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
)

func newClient(t *testing.T, cfg backend.Config) *backend.Client {
	t.Helper()
	c, err := backend.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, code int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		urls []string
	}{
		{"none", nil},
		{"relative", []string{"/api"}},
		{"garbage", []string{"://"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := backend.New(backend.Config{BaseURLs: tt.urls}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClient_NewSessionID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sessions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(t, w, http.StatusCreated, map[string]string{"sessionId": "sess-1"})
	}))
	defer srv.Close()

	c := newClient(t, backend.Config{BaseURLs: []string{srv.URL + "/api/"}, Token: "s3cret"})
	id, err := c.NewSessionID(context.Background())
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("id = %q, want sess-1", id)
	}
}

func TestClient_NewSessionID_Empty(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]string{})
	}))
	defer srv.Close()

	c := newClient(t, backend.Config{BaseURLs: []string{srv.URL}})
	if _, err := c.NewSessionID(context.Background()); err == nil {
		t.Fatal("expected error for an empty sessionId")
	}
}

func TestClient_UploadRoundTrip(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		stored  []byte
		ctype   string
		authPut string
	)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /uploads", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		want := map[string]string{"sessionId": "s1", "step": "2", "fileName": "2_1.wav", "contentType": audio.MIMETypeWAV}
		for k, v := range want {
			if req[k] != v {
				t.Errorf("%s = %q, want %q", k, req[k], v)
			}
		}
		writeJSON(t, w, http.StatusOK, map[string]string{
			"putUrl":    srv.URL + "/bucket/voice-tests/s1/raw/2/2_1.wav?sig=x",
			"objectKey": "voice-tests/s1/raw/2/2_1.wav",
		})
	})
	mux.HandleFunc("PUT /bucket/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		stored, ctype, authPut = b, r.Header.Get("Content-Type"), r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	c := newClient(t, backend.Config{BaseURLs: []string{srv.URL}, Token: "tok"})
	target, err := c.RequestUploadTarget(context.Background(), upload.TargetRequest{
		SessionID: "s1", StageID: 2, FileName: "2_1.wav", MIMEType: audio.MIMETypeWAV,
	})
	if err != nil {
		t.Fatalf("RequestUploadTarget: %v", err)
	}
	if target.ObjectKey != "voice-tests/s1/raw/2/2_1.wav" {
		t.Errorf("ObjectKey = %q", target.ObjectKey)
	}

	blob := audio.Blob{Data: []byte("RIFF...."), MIMEType: audio.MIMETypeWAV}
	if err := c.Transfer(context.Background(), target.PutURL, blob); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if string(stored) != "RIFF...." || ctype != audio.MIMETypeWAV {
		t.Errorf("stored %q as %q", stored, ctype)
	}
	if authPut != "" {
		t.Errorf("bearer token leaked to the pre-signed URL: %q", authPut)
	}
}

func TestClient_TransferFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "<Error>SignatureDoesNotMatch</Error>", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newClient(t, backend.Config{BaseURLs: []string{srv.URL}})
	err := c.Transfer(context.Background(), srv.URL+"/put", audio.Blob{Data: []byte("x")})
	var se *backend.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 StatusError", err)
	}
}

func TestClient_Submit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			SessionID   string         `json:"sessionId"`
			Calibration map[string]any `json:"calibration"`
			Forms       map[string]any `json:"forms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.SessionID != "s1" || body.Calibration["hasExternal"] != true {
			t.Errorf("body = %+v", body)
		}
		if _, ok := body.Forms["rbh"]; !ok {
			t.Errorf("forms = %v", body.Forms)
		}
		writeJSON(t, w, http.StatusAccepted, map[string]string{"status": "queued", "sessionId": "s1"})
	}))
	defer srv.Close()

	c := newClient(t, backend.Config{BaseURLs: []string{srv.URL}})
	err := c.Submit(context.Background(), analysis.Submission{
		SessionID:   "s1",
		Calibration: map[string]any{"hasExternal": true},
		Forms:       map[string]any{"rbh": map[string]*int{"R": nil}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestClient_PollStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    map[string]any
		want    analysis.Status
		wantErr bool
	}{
		{"created", map[string]any{"status": "created"}, analysis.StatusProcessing, false},
		{"queued", map[string]any{"status": "queued"}, analysis.StatusProcessing, false},
		{"processing", map[string]any{"status": "processing"}, analysis.StatusProcessing, false},
		{"done", map[string]any{
			"status":    "done",
			"metrics":   map[string]any{"sustained": map[string]any{"hnr_db": 21.5}},
			"charts":    map[string]string{"vrp": "https://cdn/vrp.png"},
			"reportPdf": "https://cdn/report.pdf",
		}, analysis.StatusDone, false},
		{"failed", map[string]any{"status": "failed", "errorMessage": "no voiced frames"}, analysis.StatusFailed, false},
		{"unknown", map[string]any{"status": "exploded"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/results/s 1" {
					t.Errorf("request = %s %s", r.Method, r.URL.Path)
				}
				writeJSON(t, w, http.StatusOK, tt.body)
			}))
			defer srv.Close()

			c := newClient(t, backend.Config{BaseURLs: []string{srv.URL}})
			res, err := c.PollStatus(context.Background(), "s 1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("PollStatus: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Status = %q, want %q", res.Status, tt.want)
			}
			if tt.want == analysis.StatusDone {
				if res.ReportRef != "https://cdn/report.pdf" || res.Charts["vrp"] == "" || res.Metrics["sustained"] == nil {
					t.Errorf("result = %+v", res)
				}
			}
			if tt.want == analysis.StatusFailed && res.Error != "no voiced frames" {
				t.Errorf("Error = %q", res.Error)
			}
		})
	}
}

func TestClient_FailoverOnServerError(t *testing.T) {
	t.Parallel()
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		writeJSON(t, w, http.StatusInternalServerError, map[string]string{"error": "Could not create session"})
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]string{"sessionId": "from-secondary"})
	}))
	defer secondary.Close()

	c := newClient(t, backend.Config{
		BaseURLs:       []string{primary.URL, secondary.URL},
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for range 3 {
		id, err := c.NewSessionID(context.Background())
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if id != "from-secondary" {
			t.Fatalf("id = %q", id)
		}
	}
	// The third call skipped the tripped primary.
	if n := primaryHits.Load(); n != 2 {
		t.Errorf("primary hits = %d, want 2", n)
	}
	st := c.Endpoints()
	if st[0].State != resilience.StateOpen || st[1].State != resilience.StateClosed {
		t.Errorf("Endpoints() = %+v", st)
	}
	if err := c.Ready(context.Background()); err != nil {
		t.Errorf("Ready with a healthy fallback: %v", err)
	}
}

func TestClient_ClientErrorDoesNotFailOver(t *testing.T) {
	t.Parallel()
	var secondaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondaryHits.Add(1)
	}))
	defer secondary.Close()

	c := newClient(t, backend.Config{
		BaseURLs:       []string{primary.URL, secondary.URL},
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_, err := c.RequestUploadTarget(context.Background(), upload.TargetRequest{SessionID: "s", StageID: 1, FileName: "1_1.wav"})
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusForbidden || se.Message != "Forbidden" || se.Temporary() {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, resilience.ErrAllFailed) {
		t.Error("client error reported as all endpoints failing")
	}
	if secondaryHits.Load() != 0 {
		t.Error("client error fell over to the secondary")
	}
	if c.Endpoints()[0].State != resilience.StateClosed {
		t.Error("client error tripped the breaker")
	}
}

func TestClient_ReadyWhenAllOpen(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, backend.Config{
		BaseURLs:       []string{srv.URL},
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("Ready before any failure: %v", err)
	}
	err := c.Submit(context.Background(), analysis.Submission{SessionID: "s"})
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("Submit err = %v, want ErrAllFailed", err)
	}
	if err := c.Ready(context.Background()); err == nil {
		t.Error("Ready with every breaker open")
	}
}
