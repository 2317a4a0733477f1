package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

func TestNew_RoundTrip(t *testing.T) {
	orgID := New(PrefixOrg)
	parsed, err := Parse(PrefixOrg, orgID.String())
	require.NoError(t, err)
	assert.Equal(t, orgID, parsed)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(PrefixOrg, "")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIDEmpty, appErr.Code)
}

func TestParse_MissingSeparator(t *testing.T) {
	_, err := Parse(PrefixOrg, "org0123456789ABCDEFGHJKMNP")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIDMissingSep, appErr.Code)
}

func TestParse_WrongPrefix(t *testing.T) {
	appID := New(PrefixApp)
	_, err := Parse(PrefixOrg, appID.String())
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIDWrongPrefix, appErr.Code)
}

func TestParse_InvalidULID(t *testing.T) {
	_, err := Parse(PrefixOrg, "org_not-a-valid-ulid-at-all")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIDInvalidULID, appErr.Code)
}

func TestNew_TimeSortable(t *testing.T) {
	a := New(PrefixOrg)
	b := New(PrefixOrg)
	assert.LessOrEqual(t, a.ULID.Time(), b.ULID.Time())
}
