package sync

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindFromStatus(t *testing.T) {
	cases := []struct {
		code int
		want ErrorKind
	}{
		{401, KindAuthFailure},
		{404, KindNotFound},
		{410, KindCursorInvalid},
		{429, KindRateLimited},
		{500, KindTransientUpstream},
		{502, KindTransientUpstream},
		{503, KindTransientUpstream},
		{400, KindPermanent},
		{403, KindPermanent},
		{422, KindPermanent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, KindFromStatus(c.code), "status %d", c.code)
	}
}

func TestErrorIncludesProviderOpAndKind(t *testing.T) {
	err := NewError(ProviderMicrosoft365, "get_contacts", KindRateLimited, errors.New("throttled"))
	msg := err.Error()
	assert.Contains(t, msg, "microsoft_365")
	assert.Contains(t, msg, "get_contacts")
	assert.Contains(t, msg, "rate_limited")
	assert.Contains(t, msg, "throttled")
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	inner := NewError(ProviderGoogleWorkspace, "get_email", KindNotFound, errors.New("404"))
	wrapped := fmt.Errorf("fetching message: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.False(t, IsCursorInvalid(wrapped))

	var se *Error
	assert.True(t, errors.As(wrapped, &se))
	assert.Equal(t, ProviderGoogleWorkspace, se.Provider)
	assert.Equal(t, "get_email", se.Op)
}

func TestKindOfUntranslatedError(t *testing.T) {
	assert.Equal(t, KindPermanent, KindOf(errors.New("plain")))
}

func TestIsCursorInvalid(t *testing.T) {
	stale := NewError(ProviderMicrosoft365, "get_contacts", KindCursorInvalid, errors.New("410"))
	assert.True(t, IsCursorInvalid(stale))
	assert.True(t, IsCursorInvalid(fmt.Errorf("sync: %w", stale)))
	assert.False(t, IsCursorInvalid(nil))
}

func TestRetryAfterHint(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), RetryAfterHint(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, RetryAfterHint(h))

	h.Set("Retry-After", "not-a-number")
	assert.Equal(t, time.Duration(0), RetryAfterHint(h))

	h.Set("Retry-After", "-5")
	assert.Equal(t, time.Duration(0), RetryAfterHint(h))
}
