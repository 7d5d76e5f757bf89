package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer provider as the global one and
// returns metrics backed by a manual reader. Tests using it must not run in
// parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// assessmentMux stands in for the web API with a few of its routes.
func assessmentMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stage":1}`))
	})
	mux.HandleFunc("POST /api/recording/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /api/questionnaires/{scale}/{item}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/analysis", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "clips are waiting to be uploaded", http.StatusConflict)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestMiddleware_Routes(t *testing.T) {
	tests := []struct {
		method     string
		path       string
		wantStatus int
		wantRoute  string
	}{
		{"GET", "/api/session", http.StatusOK, "GET /api/session"},
		{"POST", "/api/recording/start", http.StatusNoContent, "POST /api/recording/start"},
		{"PUT", "/api/questionnaires/rbh/R", http.StatusNoContent, "PUT /api/questionnaires/{scale}/{item}"},
		{"POST", "/api/analysis", http.StatusConflict, "POST /api/analysis"},
		{"GET", "/api/unknown", http.StatusNotFound, "/api/unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			m, reader, exp := testSetup(t)
			handler := Middleware(m)(assessmentMux())

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if want := "HTTP " + tt.method + " " + tt.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			var gotStatus int64
			var gotRoute string
			for _, a := range spans[0].Attributes {
				switch string(a.Key) {
				case "http.response.status_code":
					gotStatus = a.Value.AsInt64()
				case "http.route":
					gotRoute = a.Value.AsString()
				}
			}
			if gotStatus != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", gotStatus, tt.wantStatus)
			}
			if tt.wantRoute != tt.path && gotRoute != tt.wantRoute {
				t.Errorf("span http.route = %q, want %q", gotRoute, tt.wantRoute)
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "vocalcheck.http.request.duration")
			if met == nil {
				t.Fatal("request duration metric not found")
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("request duration = %+v, want one histogram point", met.Data)
			}
			dp := hist.DataPoints[0]
			if v, _ := dp.Attributes.Value("path"); v.AsString() != tt.wantRoute {
				t.Errorf("path attribute = %q, want %q", v.AsString(), tt.wantRoute)
			}
			if v, _ := dp.Attributes.Value("method"); v.AsString() != tt.method {
				t.Errorf("method attribute = %q, want %q", v.AsString(), tt.method)
			}
		})
	}
}

func TestMiddleware_QuestionnaireAnswersShareRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	handler := Middleware(m)(assessmentMux())

	for _, path := range []string{"/api/questionnaires/rbh/R", "/api/questionnaires/tvqg/7"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PUT", path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	hist := findMetric(rm, "vocalcheck.http.request.duration").Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 for both answers", len(hist.DataPoints))
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const remoteTrace = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{"new trace", "", ""},
		{"browser trace", "00-" + remoteTrace + "-00f067aa0ba902b7-01", remoteTrace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := testSetup(t)
			var seen string
			handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest("POST", "/api/recording/keep", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation ID = %q, want a 32 character trace ID", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation ID = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_HealthLogsAtDebug(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	handler := Middleware(m)(assessmentMux())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/session", nil))

	logged := buf.String()
	if strings.Contains(logged, "path=/healthz") {
		t.Errorf("health check logged at info: %s", logged)
	}
	if !strings.Contains(logged, "path=/api/session") {
		t.Errorf("session request not logged: %s", logged)
	}
}

func TestStatusRecorder_HijackWithoutSupport(t *testing.T) {
	t.Parallel()
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack on a plain recorder should fail for /api/capture upgrades")
	}
	if rec.hijacked {
		t.Error("hijacked flag set after failed Hijack")
	}
}
