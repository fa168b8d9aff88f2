package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string. Used for generated sort keys and
// failure-sink blob names, so ids sort by creation time.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
