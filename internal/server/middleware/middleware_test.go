package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/crypto"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
}

func TestAuth(t *testing.T) {
	signed := crypto.GatewayAuth{Key: "k1", Secret: "c2VjcmV0"}
	h := Auth(AuthConfig{APIKey: "static", Signed: signed, Public: []string{"/api/health"}})(okHandler())

	signedReq := func(body string, mutate func(map[string]string)) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/boxes?x=1", strings.NewReader(body))
		hdrs := signed.Headers(http.MethodPost, "/api/boxes?x=1", []byte(body))
		if mutate != nil {
			mutate(hdrs)
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		return req
	}

	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"public path", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/health", nil) }, http.StatusOK},
		{"missing token", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/boxes", nil) }, http.StatusUnauthorized},
		{"bearer", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/boxes", nil)
			r.Header.Set("Authorization", "Bearer static")
			return r
		}, http.StatusOK},
		{"wrong key header", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/boxes", nil)
			r.Header.Set("X-API-Key", "nope")
			return r
		}, http.StatusUnauthorized},
		{"signed", func() *http.Request { return signedReq(`{"price":1}`, nil) }, http.StatusOK},
		{"tampered signature", func() *http.Request {
			return signedReq(`{"price":1}`, func(h map[string]string) { h[crypto.HeaderSignature] = "AAAA" })
		}, http.StatusUnauthorized},
		{"unknown signing key", func() *http.Request {
			return signedReq(`{}`, func(h map[string]string) { h[crypto.HeaderAPIKey] = "other" })
		}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestAuthSignedBodyReachesHandler(t *testing.T) {
	signed := crypto.GatewayAuth{Key: "k1", Secret: "secret"}
	h := Auth(AuthConfig{Signed: signed})(okHandler())
	req := httptest.NewRequest(http.MethodPut, "/api/grid/granularity", strings.NewReader(`{"pct":0.5}`))
	for k, v := range signed.Headers(http.MethodPut, "/api/grid/granularity", []byte(`{"pct":0.5}`)) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"pct":0.5}` {
		t.Fatalf("status %d body %q", rec.Code, rec.Body)
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth(AuthConfig{})(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/boxes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitCountsOnlyListedMethods(t *testing.T) {
	h := RateLimit(NewLocalLimiter(), 2, time.Minute, http.MethodPost)(okHandler())

	codes := func(method string, n int) []int {
		var out []int
		for range n {
			req := httptest.NewRequest(method, "/api/boxes", nil)
			req.RemoteAddr = "10.0.0.1:5555"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			out = append(out, rec.Code)
		}
		return out
	}

	for _, c := range codes(http.MethodGet, 5) {
		if c != http.StatusOK {
			t.Fatalf("GET limited: %d", c)
		}
	}
	got := codes(http.MethodPost, 3)
	if got[0] != 200 || got[1] != 200 || got[2] != http.StatusTooManyRequests {
		t.Fatalf("POST codes = %v", got)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, io.ErrUnexpectedEOF
}

func TestRateLimitFailsOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimit(failingLimiter{}, 1, time.Second)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 5.6.7.8 "}, "9.9.9.9:1", "5.6.7.8"},
		{"remote", nil, "9.9.9.9:1", "9.9.9.9"},
		{"remote without port", nil, "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://ui.example"})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/boxes", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://ui.example" {
		t.Fatalf("status %d headers %v", rec.Code, rec.Header())
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "PERPBOX-SIGNATURE") {
		t.Fatalf("allow headers = %q, want signing headers", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://ui.example"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/boxes", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("status %d headers %v", rec.Code, rec.Header())
	}
}

func TestLoggingCapturesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rec := httptest.NewRecorder()
	Logging(logger)(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if !strings.Contains(buf.String(), "status=418") {
		t.Fatalf("log = %s", buf.String())
	}
}
