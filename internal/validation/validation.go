// Package validation provides input validation for identifiers that cross
// trust boundaries (relay frames, HTTP query parameters, filesystem paths).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// MaxMessageBytes bounds a single relay message. Anything larger is
// rejected before it reaches an agent.
const MaxMessageBytes = 64 * 1024

// ValidateSessionID checks that a session ID is a well-formed UUID.
// Session IDs name credential directories on disk, so anything that is
// not a UUID is rejected before it can influence a path.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateMessage checks an inbound relay message body.
func ValidateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if len(msg) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageBytes)
	}
	return nil
}

// ValidateProviderName checks a configured capability provider name.
// Names are used as tool-name prefixes and in logs.
var providerNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

func ValidateProviderName(name string) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if !providerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid provider name: %s (lowercase alphanumeric and dashes only)", name)
	}
	return nil
}
