package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewConnectionID returns an opaque connection identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewSessionToken returns the token handed to a client in the handshake.
func NewSessionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID builds a correlation id from the current time and 48 random bits,
// e.g. "lz3k9q1a-4f1c2b9d0e7a".
func NewRequestID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(now.UnixNano(), 36) + "-" + random[:12]
}

// NewMessageID returns the id assigned to a published channel message.
func NewMessageID() string {
	return uuid.NewString()
}
