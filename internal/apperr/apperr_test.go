package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/metals-ledger/internal/apperr"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := apperr.NotFound("quote %s not found", "q-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NotErrorIs(t, err, apperr.ErrExpired)

	wrapped := fmt.Errorf("confirm: %w", err)
	assert.ErrorIs(t, wrapped, apperr.ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(wrapped))
}

func TestExplain_DoesNotMutateSentinel(t *testing.T) {
	_ = apperr.Validation("bad input")
	assert.Empty(t, apperr.ErrValidation.Message)
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := apperr.Unavailable(cause, "quote store")
	assert.ErrorIs(t, err, cause)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, "ServiceUnavailable: quote store (dial tcp: connection refused)", err.Error())
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(errors.New("boom")))
	assert.False(t, apperr.Retryable(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x"), http.StatusBadRequest},
		{apperr.InsufficientFunds("x"), http.StatusUnprocessableEntity},
		{apperr.NotFound("x"), http.StatusNotFound},
		{apperr.ErrExpired, http.StatusGone},
		{apperr.ErrForbidden, http.StatusForbidden},
		{apperr.Unavailable(nil, "x"), http.StatusServiceUnavailable},
		{apperr.ErrConflict, http.StatusConflict},
		{apperr.Internal(nil, "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err), "%v", tt.err)
	}
}
