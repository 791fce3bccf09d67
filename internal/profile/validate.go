package profile

import (
	"fmt"
	"regexp"
)

const namePattern = `^[a-z0-9_-]{1,64}$`

var validName = regexp.MustCompile(namePattern)

// ValidateName rejects names that cannot be used as a profile directory.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid profile name %q: must match %s", name, namePattern)
}
