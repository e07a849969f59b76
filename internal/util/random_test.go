package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"job id format", "job_", 32, 36},
		{"record id format", "rec_", 32, 36},
		{"empty hex", "x_", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			assert.True(t, strings.HasPrefix(got, tt.prefix))
			assert.Len(t, got, tt.wantLength)
			assert.True(t, isValidHex(got[len(tt.prefix):]))
		})
	}
}

func TestGenerateRandomHexNegative(t *testing.T) {
	assert.Equal(t, "", GenerateRandomHex(-1))
}

func TestGenerateSyncID(t *testing.T) {
	id := GenerateSyncID("message")
	require.True(t, strings.HasPrefix(id, "message_"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "message_"))
	assert.NoError(t, err)
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateJobID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
