package sync

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies an upstream failure into the shared taxonomy.
type ErrorKind string

const (
	// KindAuthFailure means the bearer token was rejected; the caller
	// should obtain a fresh token and retry.
	KindAuthFailure ErrorKind = "auth_failure"
	// KindNotFound means the resource id does not exist upstream.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited means the caller should back off; RetryAfter
	// carries the provider's hint when one was supplied.
	KindRateLimited ErrorKind = "rate_limited"
	// KindCursorInvalid means the sync cursor is no longer accepted
	// upstream. Consumed by the orchestrator's one-shot full-sync
	// recovery; only surfaced when that recovery itself fails.
	KindCursorInvalid ErrorKind = "cursor_invalid"
	// KindTransientUpstream is a 5xx-equivalent, safe to retry with backoff.
	KindTransientUpstream ErrorKind = "transient_upstream"
	// KindPermanent covers everything else, including malformed responses.
	KindPermanent ErrorKind = "permanent"
)

// Error is the shape every adapter failure takes before it leaves the
// adapter. Callers never see a provider-specific error shape.
type Error struct {
	Provider   Provider
	Op         string
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s [%s]: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags an upstream failure with provider, operation and kind.
func NewError(provider Provider, op string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Op: op, Kind: kind, Err: err}
}

// KindOf returns the taxonomy kind of err, or KindPermanent if err was
// never translated.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

// IsCursorInvalid reports whether err signals a stale sync cursor.
func IsCursorInvalid(err error) bool {
	return KindOf(err) == KindCursorInvalid
}

// KindFromStatus maps an upstream HTTP status to a taxonomy kind.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthFailure
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusGone:
		return KindCursorInvalid
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindTransientUpstream
	default:
		return KindPermanent
	}
}

// RetryAfterHint parses a Retry-After header value in seconds.
// Returns zero when the provider supplied no usable hint.
func RetryAfterHint(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
