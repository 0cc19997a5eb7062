package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("failed to create transaction: %w", Validation("split sum %d exceeds amount %d", 120, 100))

	assert.True(t, IsValidation(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "split sum 120 exceeds amount 100", Message(err))
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("disk I/O error")
	assert.Equal(t, KindUnexpected, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.False(t, IsUnexpected(err))
}

func TestProviderErrors(t *testing.T) {
	cause := errors.New("401 unauthorized")
	auth := Provider(ProviderAuth, "monobank rejected token", cause)

	assert.True(t, IsAuthFailure(auth))
	assert.True(t, IsProvider(auth, ""))
	assert.False(t, IsProvider(auth, ProviderRateLimit))
	assert.ErrorIs(t, auth, cause)
	assert.False(t, IsRetryable(auth))

	limited := Provider(ProviderRateLimit, "too many requests", nil)
	assert.True(t, IsRetryable(limited))
	assert.False(t, IsAuthFailure(limited))

	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(NotFound("account 1 not found")))
}

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{Validation("bad"), http.StatusUnprocessableEntity},
		{NotFound("missing"), http.StatusNotFound},
		{NotAllowed("nope"), http.StatusForbidden},
		{Unexpected("boom"), http.StatusInternalServerError},
		{Provider(ProviderGeneric, "down", nil), http.StatusBadGateway},
		{Provider(ProviderRateLimit, "slow down", nil), http.StatusTooManyRequests},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
	}
}
