package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Gateway request header names.
const (
	HeaderAPIKey    = "PERPBOX-API-KEY"
	HeaderTimestamp = "PERPBOX-TIMESTAMP"
	HeaderSignature = "PERPBOX-SIGNATURE"
)

// GatewayAuth holds the API credentials for HMAC-authenticated gateway
// requests. The zero value signs nothing.
type GatewayAuth struct {
	Key    string
	Secret string // base64; raw bytes are used when it does not decode
}

// Enabled reports whether both key and secret are set.
func (a GatewayAuth) Enabled() bool {
	return a.Key != "" && a.Secret != ""
}

// Headers returns the request headers for method, path and body signed at
// the current time. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (a GatewayAuth) Headers(method, path string, body []byte) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied unix timestamp.
func (a GatewayAuth) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: a.sign(ts, method, path, body),
	}
}

// Verify checks a signature produced by HeadersAt. Timestamps further than
// maxSkew from now are rejected.
func (a GatewayAuth) Verify(method, path string, body []byte, ts, sig string, now time.Time, maxSkew time.Duration) error {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: bad timestamp %q: %w", ts, err)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > maxSkew || d < -maxSkew {
		return fmt.Errorf("crypto/hmac: timestamp skew %s exceeds %s", d, maxSkew)
	}
	if !hmac.Equal([]byte(a.sign(ts, method, path, body)), []byte(sig)) {
		return fmt.Errorf("crypto/hmac: signature mismatch")
	}
	return nil
}

func (a GatewayAuth) sign(ts, method, path string, body []byte) string {
	secret, err := base64.StdEncoding.DecodeString(a.Secret)
	if err != nil {
		secret = []byte(a.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (a GatewayAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("GatewayAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
