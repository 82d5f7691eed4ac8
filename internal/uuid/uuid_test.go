// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "generated UUID does not match v4 format: %s", id)
}

// TestNewUniqueness tests that generated operation IDs are unique.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOperationID()
		require.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
}

func TestNewOperationID(t *testing.T) {
	id := NewOperationID()
	require.True(t, strings.HasPrefix(id, OperationPrefix))
	assert.True(t, IsValid(strings.TrimPrefix(id, OperationPrefix)))
	assert.False(t, IsTempID(id))
}

func TestTempID(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.False(t, IsTempID("f1"))
	assert.False(t, IsTempID(""))
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"UUID v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.uuid))
			if tt.want {
				assert.NoError(t, Validate(tt.uuid))
			} else {
				assert.Error(t, Validate(tt.uuid))
			}
		})
	}
}

func TestNewFromString(t *testing.T) {
	_, err := NewFromString("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	assert.NoError(t, err)

	_, err = NewFromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Error(t, err)

	_, err = NewFromString("not-a-uuid")
	assert.Error(t, err)
}
