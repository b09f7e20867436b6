// Package security provides validation, sanitization, and limits for the scale engine.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxNameLength is the maximum length for job type, recipe type, rule and workspace names
	MaxNameLength = 255

	// MaxVersionLength is the maximum length for a version string
	MaxVersionLength = 50

	// MaxTries is the hard limit for execution attempts of one job
	MaxTries = 100

	// MaxPriority is the highest accepted job priority
	MaxPriority = 1000

	// MaxConcurrency is the hard limit for concurrent launches per cycle
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxTimeoutSeconds caps a job timeout at one week
	MaxTimeoutSeconds = 7 * 24 * 60 * 60
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// validVersion matches dotted versions such as 1.0 or 2.1.3-beta
var validVersion = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z_\-\.]*$`)

// ValidateName validates a job type, recipe type, rule or workspace name
func ValidateName(name string) error {
	if name == "" {
		return core.ErrInvalidName
	}
	if len(name) > MaxNameLength {
		return core.ErrNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidName
	}
	return nil
}

// ValidateVersion validates a job type or recipe type version
func ValidateVersion(version string) error {
	if version == "" || len(version) > MaxVersionLength || !validVersion.MatchString(version) {
		return fmt.Errorf("%w: %q", core.ErrInvalidVersion, version)
	}
	return nil
}

// ValidateResources rejects negative requirement dimensions
func ValidateResources(cpus, mem, diskConst, diskMult float64) error {
	if cpus < 0 || mem < 0 || diskConst < 0 || diskMult < 0 {
		return core.ErrInvalidResources
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampTries ensures a max_tries value is within [1, MaxTries]
func ClampTries(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxTries {
		return MaxTries
	}
	return n
}

// ClampPriority ensures priority is within [0, MaxPriority]
func ClampPriority(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxPriority {
		return MaxPriority
	}
	return n
}

// ClampTimeout ensures a timeout in seconds is within [1, MaxTimeoutSeconds]
func ClampTimeout(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > MaxTimeoutSeconds {
		return MaxTimeoutSeconds
	}
	return seconds
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
