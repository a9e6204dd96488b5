// Package signing implements the HMAC request authentication shared by publisher and
// consumer.
//
// A request is signed over the canonical string
//
//	UPPER(method) \n path?query \n unix-timestamp \n nonce \n hex(sha256(body))
//
// and the base64 HMAC-SHA256 of that string travels in X-Signature alongside
// X-Timestamp, X-Nonce and X-Token (the credential identifier, never the secret).
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
	HeaderToken     = "X-Token"

	// DefaultWindow is the maximum tolerated distance between the signing timestamp and
	// the verifier's clock.
	DefaultWindow = 300 * time.Second
)

// CanonicalString builds the exact byte sequence covered by the signature.
func CanonicalString(method, pathWithQuery, timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		pathWithQuery,
		timestamp,
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// Sign returns the base64-encoded HMAC-SHA256 of the canonical string keyed by secret.
func Sign(method, pathWithQuery, timestamp, nonce string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, pathWithQuery, timestamp, nonce, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates the request at time now using
// DefaultWindow. It never panics; any missing or malformed input yields false.
func Verify(method, pathWithQuery, timestamp, nonce string, body []byte, secret, signature string, now time.Time) bool {
	return verify(method, pathWithQuery, timestamp, nonce, body, secret, signature, now, DefaultWindow) == nil
}

func verify(method, pathWithQuery, timestamp, nonce string, body []byte, secret, signature string, now time.Time, window time.Duration) error {
	if timestamp == "" || nonce == "" || signature == "" {
		return errMissingHeaders
	}
	if secret == "" {
		return errUnknownToken
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	if !withinWindow(time.Unix(ts, 0), now, window) {
		return errExpired
	}

	expected := Sign(method, pathWithQuery, timestamp, nonce, body, secret)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return errMismatch
	}
	return nil
}

func withinWindow(signedAt, now time.Time, window time.Duration) bool {
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	return skew <= window
}
