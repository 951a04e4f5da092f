package utils // import "github.com/whisthq/whist/backend/webserver/utils"

import (
	"fmt"
	"regexp"

	"golang.org/x/exp/constraints"
)

// MakeError is a utility function to create an error from a format string and
// args. We use this instead of fmt.Errorf so that the codebase has a single
// chokepoint for error construction.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

// Sprintf is a convenience wrapper for fmt.Sprintf, exported here so that
// packages which already import utils don't need to import fmt as well.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// SanitizeEmail tries to match an email to a general email regex and if it
// fails, returns an empty string. This is done because the email can be
// spoofed from the frontend.
func SanitizeEmail(email string) string {
	if emailRegex.MatchString(email) {
		return email
	}
	return ""
}

// Min returns the smaller of the two given values.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
