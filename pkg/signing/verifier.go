package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncd/pkg/httpx"
)

// ErrAuthFailed wraps every reason a signed request is rejected.
var ErrAuthFailed = errors.New("authentication failed")

var (
	errMissingHeaders = fmt.Errorf("%w: missing signature headers", ErrAuthFailed)
	errUnknownToken   = fmt.Errorf("%w: unknown token", ErrAuthFailed)
	errBadTimestamp   = fmt.Errorf("%w: malformed timestamp", ErrAuthFailed)
	errExpired        = fmt.Errorf("%w: timestamp outside replay window", ErrAuthFailed)
	errMismatch       = fmt.Errorf("%w: signature mismatch", ErrAuthFailed)
	errReplayed       = fmt.Errorf("%w: nonce already used", ErrAuthFailed)
)

// MaxBodyBytes bounds how much of a signed request body is buffered for verification.
const MaxBodyBytes = 4 << 20

// SecretLookup resolves the shared secret for a credential token. Implementations
// return an error wrapping ErrAuthFailed (or any error) when the token is unknown.
type SecretLookup interface {
	Secret(ctx context.Context, token string) (string, error)
}

// SecretFunc adapts a function to SecretLookup.
type SecretFunc func(ctx context.Context, token string) (string, error)

// Secret implements SecretLookup.
func (f SecretFunc) Secret(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Verifier authenticates inbound requests against the credential store and, when a
// NonceStore is configured, rejects replays inside the window.
type Verifier struct {
	Secrets SecretLookup
	Nonces  NonceStore
	Window  time.Duration
	Now     func() time.Time
}

// VerifyRequest authenticates r whose body has already been read into body. It returns
// the credential token on success.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) (string, error) {
	if v == nil || v.Secrets == nil {
		return "", errors.New("verifier not configured")
	}
	window := v.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	token := strings.TrimSpace(r.Header.Get(HeaderToken))
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	if token == "" || timestamp == "" || nonce == "" || signature == "" {
		return "", errMissingHeaders
	}

	secret, err := v.Secrets.Secret(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: lookup token: %v", ErrAuthFailed, err)
	}

	if err := verify(r.Method, r.URL.RequestURI(), timestamp, nonce, body, secret, signature, now(), window); err != nil {
		return "", err
	}

	if v.Nonces != nil {
		fresh, err := v.Nonces.Claim(r.Context(), token, nonce, NonceTTL(window))
		if err != nil {
			return "", fmt.Errorf("claim nonce: %w", err)
		}
		if !fresh {
			return "", errReplayed
		}
	}
	return token, nil
}

// SignRequest attaches the signature headers to req. body must be the exact bytes sent.
func SignRequest(req *http.Request, body []byte, token, secret string, now time.Time) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderToken, token)
	req.Header.Set(HeaderSignature, Sign(req.Method, req.URL.RequestURI(), timestamp, nonce, body, secret))
}

type tokenKey struct{}

// TokenFromContext returns the authenticated credential token stored by Middleware.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok && token != ""
}

// Middleware rejects requests that fail VerifyRequest with 401 and a structured body.
// Bodies over MaxBodyBytes are refused with 413 before any verification. The buffered
// body is restored for downstream handlers.
func Middleware(v *Verifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
				_ = r.Body.Close()
				if err != nil {
					httpx.RespondError(w, http.StatusBadRequest, httpx.CodeBadRequest)
					return
				}
				if len(data) > MaxBodyBytes {
					logger.Warn().Str("path", r.URL.Path).Msg("signed request body too large")
					httpx.RespondError(w, http.StatusRequestEntityTooLarge, httpx.CodeBadRequest)
					return
				}
				body = data
			}

			token, err := v.VerifyRequest(r, body)
			if err != nil {
				logger.Warn().Err(err).
					Str("path", r.URL.Path).
					Str("token", r.Header.Get(HeaderToken)).
					Msg("rejected signed request")
				authFailures.Inc()
				if !errors.Is(err, ErrAuthFailed) {
					httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal)
					return
				}
				httpx.RespondError(w, http.StatusUnauthorized, httpx.CodeAuthFailed)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), tokenKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
