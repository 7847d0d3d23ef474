package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbingest-go/internal/logging"
)

// okHandler always responds 200.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// newTestServer builds a Server with an isolated registry and no pingers.
func newTestServer() *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		cfg:     &Config{MetricsRegistry: reg, MetricsGatherer: reg},
		log:     logging.Discard(),
		metrics: newServerMetrics(reg),
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := New(&Config{Logger: logging.Discard(), MetricsRegistry: reg, MetricsGatherer: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.httpServer.Addr != "127.0.0.1:9090" {
		t.Errorf("addr: got %q", s.httpServer.Addr)
	}
	if s.cfg.ShutdownTimeout == 0 {
		t.Error("expected default shutdown timeout")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := New(&Config{Addr: "no-port", Logger: logging.Discard(), MetricsRegistry: reg}); err == nil {
		t.Fatal("expected error for address without port")
	}
}

func TestRoutes_Auth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := New(&Config{
		APIKey:          "secret",
		Logger:          logging.Discard(),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := s.routes()

	cases := []struct {
		path  string
		token string
		want  int
	}{
		{"/api/health", "", http.StatusOK},
		{"/api/ready", "", http.StatusUnauthorized},
		{"/api/ready", "secret", http.StatusOK},
		{"/metrics", "", http.StatusUnauthorized},
		{"/metrics", "wrong", http.StatusUnauthorized},
		{"/metrics", "secret", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s token=%q: expected %d, got %d", tc.path, tc.token, tc.want, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	body := w.Body.String()
	for _, want := range []string{
		`kbingest_http_auth_rejections_total{reason="missing"} 2`,
		`kbingest_http_auth_rejections_total{reason="invalid"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestRoutes_MetricsExposesHTTPCounters(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	h := s.routes()

	for range 2 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics: %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	want := `kbingest_http_requests_total{code="200",handler="health",method="GET"} 2`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output missing %q:\n%s", want, body)
	}
}
