package session

import (
	"fmt"
	"regexp"
)

// DefaultName is the session used when no -session flag is given.
const DefaultName = "default"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active session name: the -session flag if given,
// otherwise the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	return DefaultName
}
