package errorir

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCodeAndReason(t *testing.T) {
	err := fmt.Errorf("authorize: %w", New(CodeDenied, "daily_limit_exceeded", "1200 > 1000"))

	assert.True(t, errors.Is(err, New(CodeDenied, "", "")))
	assert.True(t, errors.Is(err, New(CodeDenied, "daily_limit_exceeded", "")))
	assert.False(t, errors.Is(err, New(CodeDenied, "agent_mismatch", "")))
	assert.False(t, errors.Is(err, New(CodeNotFound, "", "")))
}

func TestClassification(t *testing.T) {
	assert.Equal(t, ClassificationRetryable, New(CodeRailTransient, "", "").Classification)
	assert.Equal(t, ClassificationIdempotentSafe, New(CodeDuplicateEntry, "", "").Classification)
	assert.Equal(t, ClassificationNonRetryable, Classify(Code("SOMETHING_ELSE")))

	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", New(CodeTimeout, "", ""))))
	assert.False(t, IsRetryable(New(CodeUnbalanced, "", "")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeRailTransient, "ack_lost", "submit")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "RAIL_TRANSIENT(ack_lost): submit: connection reset", err.Error())
	assert.Equal(t, CodeRailTransient, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(cause))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(CodeConflict))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(CodeUnbalanced))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeNoEligibleRail))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
}
