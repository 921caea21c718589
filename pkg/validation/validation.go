package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// IdentifierRegex validates user and client ID format
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9._:@-]+$`)

	// LinkTokenRegex validates the fixed-length hex token format
	LinkTokenRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// MaxSignalPayloadBytes bounds a single signaling payload. SDP blobs for
// multi-track sessions run a few KB; anything near this limit is garbage.
const MaxSignalPayloadBytes = 64 * 1024

// MaxEventPayloadBytes bounds a single routed event payload.
const MaxEventPayloadBytes = 256 * 1024

// ValidateUserID validates user ID format
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("user ID is too long (max 128 characters)")
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateClientID validates client ID format; empty is allowed and means
// "all clients of the user".
func ValidateClientID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > 128 {
		return fmt.Errorf("client ID is too long (max 128 characters)")
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid client ID format")
	}
	return nil
}

// ValidateLinkToken checks the opaque token shape without consulting the
// store. A malformed token can be rejected before any lookup.
func ValidateLinkToken(token string) error {
	if !LinkTokenRegex.MatchString(token) {
		return fmt.Errorf("invalid link token format")
	}
	return nil
}

// ValidateSignalPayload checks that a signaling payload is well-formed
// JSON of sane size. Field-level checks (SDP shape) happen separately;
// this is the schema gate that turns garbage into an INVALID rejection.
func ValidateSignalPayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if len(payload) > MaxSignalPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxSignalPayloadBytes)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// ValidateEventPayload checks a routed event payload.
func ValidateEventPayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if len(payload) > MaxEventPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxEventPayloadBytes)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// ValidateSDP performs a basic structural check on an SDP description blob.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}
