package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func GenerateSessionID() string     { return GenerateID("session") }
func GenerateParticipantID() string { return GenerateID("participant") }
func GenerateTransportID() string   { return GenerateID("transport") }
func GenerateProducerID() string    { return GenerateID("producer") }
func GenerateConsumerID() string    { return GenerateID("consumer") }
func GenerateJobID() string         { return GenerateID("job") }
func GenerateDestinationID() string { return GenerateID("dest") }

// MaskSensitive masks all but the first visibleChars characters, used when
// stream keys appear in logs.
func MaskSensitive(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleChars] + strings.Repeat("*", len(s)-visibleChars)
}
