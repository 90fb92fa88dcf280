package domain

import (
	"fmt"
	"strings"
)

// MaxHostnameLength is the longest domain accepted for storage.
const MaxHostnameLength = 128

// ValidateHostname checks a canonical hostname for storage. It rejects empty
// names, names longer than MaxHostnameLength and names containing an empty
// label (leading, trailing or doubled dots).
func ValidateHostname(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHostname)
	}
	if len(name) > MaxHostnameLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidHostname, len(name), MaxHostnameLength)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidHostname, name)
		}
	}
	return nil
}
