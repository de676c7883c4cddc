package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidDeploymentID reports an identifier that cannot name a deployment
// path segment.
var ErrInvalidDeploymentID = errors.New("invalid deployment id")

// ValidateDeploymentID rejects identifiers that are blank or would escape the
// deployment path segment.
func ValidateDeploymentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeploymentID)
	}
	if id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidDeploymentID, id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidDeploymentID, id)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r == '?' || r == '#' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidDeploymentID, id, r)
		}
	}
	return nil
}
