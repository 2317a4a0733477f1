package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	e := New(CodeOrgNotFound, "org not found", http.StatusNotFound)
	assert.Equal(t, "ORG_NOT_FOUND: org not found", e.Error())

	wrapped := Wrap(ErrNotFound, CodeOrgNotFound, "org not found", http.StatusNotFound)
	assert.Contains(t, wrapped.Error(), "not found")
}

func TestIsAppError(t *testing.T) {
	e := Conflict(CodeHostnameTaken, "hostname taken")
	got, ok := IsAppError(e)
	require.True(t, ok)
	assert.Equal(t, CodeHostnameTaken, got.Code)

	_, ok = IsAppError(ErrNotFound)
	assert.False(t, ok)
}

func TestQuotaExceeded(t *testing.T) {
	e := QuotaExceeded("instances", 10, 10, 1)
	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatus)
	assert.Equal(t, CodeQuotaExceeded, e.Code)
	assert.Contains(t, e.Message, "instances")
}

func TestProjectionTimeout(t *testing.T) {
	e := ProjectionTimeout("apps", 42)
	assert.Equal(t, http.StatusGatewayTimeout, e.HTTPStatus)
	assert.True(t, e.Retryable)
	assert.Equal(t, 2, e.RetryAfterSeconds)
}

func TestToProblemDetails(t *testing.T) {
	e := Validation([]ValidationDetail{{Field: "name", Message: "required"}})
	pd := e.ToProblemDetails("req-123")
	assert.Equal(t, "req-123", pd.RequestID)
	assert.Equal(t, http.StatusBadRequest, pd.Status)
	require.Len(t, pd.Details, 1)
	assert.Equal(t, "name", pd.Details[0].Field)
}
