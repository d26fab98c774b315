package profile

import (
	"fmt"
	"regexp"
)

// Profile names become directory names under ~/.bookchat/profiles, so the
// alphabet is restricted to what every filesystem tolerates.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a profile directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("profile name %q: use lowercase letters, digits, '-' or '_' (max 64 chars)", name)
	}
	return nil
}
