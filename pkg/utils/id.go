package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateNodeID returns a fresh node identity token. Generated per
// process start rather than derived from host:port, so a restart on the
// same endpoint gets a new identity.
func GenerateNodeID() string {
	return uuid.NewString()
}

// GenerateLinkToken returns an opaque fixed-length (32 hex chars) token.
func GenerateLinkToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
