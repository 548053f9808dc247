package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 201, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 429, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
		{status: 42, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "unknown"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	cases := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "missing", incoming: "", keep: false},
		{name: "well formed", incoming: "req-123", keep: true},
		{name: "whitespace inside", incoming: "req 123", keep: false},
		{name: "too long", incoming: strings.Repeat("x", maxRequestIDLen+1), keep: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			if tc.incoming != "" {
				req.Header.Set(RequestIDHeader, tc.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("response id=%q handler saw=%q", got, seen)
			}
			if (got == tc.incoming) != tc.keep {
				t.Fatalf("id=%q incoming=%q keep=%v", got, tc.incoming, tc.keep)
			}
		})
	}
}

func TestWithRequestLogging_RouteAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/{peerId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := WithRequestID(WithRequestLogging(mux, log))

	cases := []struct {
		path      string
		wantRoute string
		wantLevel string
		wantBytes float64
	}{
		{path: "/api/messages/01HX", wantRoute: "GET /api/messages/{peerId}", wantLevel: "WARN", wantBytes: 4},
		{path: "/healthz", wantRoute: "GET /healthz", wantLevel: "DEBUG"},
		{path: "/nowhere", wantRoute: "unmatched", wantLevel: "WARN"},
	}
	for _, tc := range cases {
		buf.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("%s: decode log %q: %v", tc.path, buf.String(), err)
		}
		if rec["msg"] != "http.request" || rec["route"] != tc.wantRoute || rec["level"] != tc.wantLevel {
			t.Fatalf("%s: log=%v want route=%q level=%s", tc.path, rec, tc.wantRoute, tc.wantLevel)
		}
		if tc.wantBytes > 0 && rec["bytes"] != tc.wantBytes {
			t.Fatalf("%s: bytes=%v want %v", tc.path, rec["bytes"], tc.wantBytes)
		}
		if id, _ := rec["request_id"].(string); id == "" {
			t.Fatalf("%s: missing request_id", tc.path)
		}
	}
}

func TestWithCORS_PreflightAllowed(t *testing.T) {
	cfg := Config{
		CORSAllowedOrigins:   []string{"http://localhost:5173/"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}

	h := WithCORS(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("next handler should not be called for preflight")
	}), cfg, discardLog())

	req := httptest.NewRequest(http.MethodOptions, "/api/messages/send/01HX", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204", rr.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":      "http://localhost:5173",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Headers":     "Content-Type, Authorization",
		"Access-Control-Max-Age":           "600",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
}

func TestWithCORS_DisallowedOrigin(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: []string{"http://localhost:5173"}}

	called := false
	h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), cfg, discardLog())

	req := httptest.NewRequest(http.MethodGet, "/api/messages/users", nil)
	req.Host = "api.pulse.example.com"
	req.Header.Set("Origin", "https://evil.example.com")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rr.Code)
	}
	if called {
		t.Fatalf("next handler must not be called for denied origin")
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error.Code != "origin_not_allowed" {
		t.Fatalf("body=%s err=%v", rr.Body.String(), err)
	}
}

func TestWithCORS_PassThrough(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: []string{"http://localhost:5173"}}

	h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), cfg, discardLog())

	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{name: "no origin", setup: func(*http.Request) {}},
		{name: "websocket upgrade", setup: func(r *http.Request) {
			r.Header.Set("Origin", "https://elsewhere.example.com")
			r.Header.Set("Upgrade", "websocket")
		}},
		{name: "same host", setup: func(r *http.Request) {
			r.Host = "pulse.example.com"
			r.Header.Set("Origin", "https://pulse.example.com")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != http.StatusTeapot {
				t.Fatalf("status=%d want pass-through", rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
				t.Fatalf("unexpected allow-origin %q", got)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	allowed := []string{"http://localhost:5173", "http://127.0.0.1:*"}
	cases := []struct {
		origin string
		want   bool
	}{
		{origin: "http://localhost:5173", want: true},
		{origin: "HTTP://LOCALHOST:5173/", want: true},
		{origin: "http://localhost:5177", want: false},
		{origin: "http://127.0.0.1:55123", want: true},
		{origin: "http://127.0.0.1:0", want: false},
		{origin: "http://127.0.0.1:abc", want: false},
		{origin: "http://127.0.0.1", want: false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, allowed); got != tc.want {
			t.Fatalf("originAllowed(%q)=%v want %v", tc.origin, got, tc.want)
		}
	}
	if !originAllowed("https://anything.example", []string{"*"}) {
		t.Fatalf("wildcard should allow any origin")
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	want := map[string]string{
		"X-Content-Type-Options":     "nosniff",
		"X-Frame-Options":            "DENY",
		"Referrer-Policy":            "no-referrer",
		"Cross-Origin-Opener-Policy": "same-origin",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want %q", k, got, v)
		}
	}
}
