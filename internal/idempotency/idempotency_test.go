package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"too short", "short", true},
		{"minimum length", "12345678", false},
		{"maximum length", string(make([]byte, MaxKeyLength)), false},
		{"too long", string(make([]byte, MaxKeyLength+1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrKeyLengthInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHashRequest_Deterministic(t *testing.T) {
	body := map[string]any{"b": 2, "a": 1}
	h1, err := HashRequest("orgs.create", body)
	require.NoError(t, err)
	h2, err := HashRequest("orgs.create", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "canonicalization must sort object keys")
}

func TestHashRequest_DifferentEndpointDifferentHash(t *testing.T) {
	body := map[string]any{"name": "acme"}
	h1, err := HashRequest("orgs.create", body)
	require.NoError(t, err)
	h2, err := HashRequest("apps.create", body)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashRequest_NestedObjects(t *testing.T) {
	bodyA := map[string]any{"outer": map[string]any{"z": 1, "a": 2}}
	bodyB := map[string]any{"outer": map[string]any{"a": 2, "z": 1}}
	h1, err := HashRequest("envs.set_scale", bodyA)
	require.NoError(t, err)
	h2, err := HashRequest("envs.set_scale", bodyB)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCleanupExpired_RejectsShortMaxAge(t *testing.T) {
	s := &Store{}
	_, err := s.CleanupExpired(nil, time.Hour)
	assert.Error(t, err)
}
