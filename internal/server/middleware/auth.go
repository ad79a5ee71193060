package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbox/internal/crypto"
)

// AuthConfig selects how API requests authenticate. Requests pass with
// either a static key (Bearer or X-API-Key) or an HMAC signature in the
// PERPBOX-* headers. Both empty disables authentication.
type AuthConfig struct {
	APIKey  string
	Signed  crypto.GatewayAuth
	MaxSkew time.Duration
	// Public paths skip authentication entirely.
	Public []string
}

// Auth returns middleware enforcing cfg.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 30 * time.Second
	}
	public := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (cfg.APIKey == "" && !cfg.Signed.Enabled()) || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.Signed.Enabled() && r.Header.Get(crypto.HeaderSignature) != "" {
				if err := verifySigned(r, cfg); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" || cfg.APIKey == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifySigned checks the HMAC headers and restores the body for the next
// handler.
func verifySigned(r *http.Request, cfg AuthConfig) error {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(crypto.HeaderAPIKey)), []byte(cfg.Signed.Key)) != 1 {
		return errBadKey
	}
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return err
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return cfg.Signed.Verify(r.Method, r.URL.RequestURI(), body,
		r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature),
		time.Now(), cfg.MaxSkew)
}

// extractToken looks for a Bearer token or an X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}
