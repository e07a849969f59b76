// Package util provides identifier, environment and template helpers shared across FlowPipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex characters.
// Not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string of the given length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(16)])
	}
	return b.String()
}

// GenerateJobID returns an id for a queued effect job.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// GenerateRecordID returns an id for a business record.
func GenerateRecordID() string {
	return GenerateRandomID("rec_", 32)
}

// GenerateSyncID returns a prefixed UUID for a sync record of the given class.
func GenerateSyncID(class string) string {
	return class + "_" + uuid.NewString()
}

// GenerateConversationID returns a fresh conversation id.
func GenerateConversationID() string {
	return uuid.NewString()
}
