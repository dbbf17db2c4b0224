package auth

import (
	"fmt"
	"regexp"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
)

const (
	// MaxCommandBytes is the §3 command length ceiling (16 KiB).
	MaxCommandBytes = 16 * 1024

	// MinTimeoutSeconds and MaxTimeoutSeconds bound the accepted
	// timeout_s range from §3.
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 86400

	// DefaultTimeoutSeconds is applied when a submission omits timeout_s.
	DefaultTimeoutSeconds = 3600
)

// forbiddenPatterns is the fixed list resolving the Open Question of
// spec.md §9 ("the precise forbidden-pattern list... is not fully
// enumerated"), documented here per SPEC_FULL.md §D.1. Each entry is a
// regular expression matched against the raw command string.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/\s*$`),
	regexp.MustCompile(`rm\s+-rf\s+/\*`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), // fork bomb
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`dd\s+if=/dev/zero\s+of=/dev/`),
	regexp.MustCompile("`[^`]*`"),                    // backtick substitution
	regexp.MustCompile(`\$\([^)]*\)`),                 // $(...) substitution
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),           // raw device writes
}

// ValidateCommand rejects command per spec.md §4.B: empty, too long, or
// matching a forbidden pattern.
func ValidateCommand(command string) error {
	if command == "" {
		return dispatchererr.New(dispatchererr.Validation, "command must not be empty")
	}
	if len(command) > MaxCommandBytes {
		return dispatchererr.New(dispatchererr.Validation, fmt.Sprintf("command exceeds %d bytes", MaxCommandBytes))
	}
	for _, pattern := range forbiddenPatterns {
		if pattern.MatchString(command) {
			return dispatchererr.New(dispatchererr.Validation, "command matches a forbidden pattern")
		}
	}
	return nil
}

// ValidateTimeout rejects timeouts outside [1, 86400], applying the default
// when requested is nil.
func ValidateTimeout(requested *int) (int, error) {
	if requested == nil {
		return DefaultTimeoutSeconds, nil
	}
	t := *requested
	if t < MinTimeoutSeconds || t > MaxTimeoutSeconds {
		return 0, dispatchererr.New(dispatchererr.Validation, fmt.Sprintf("timeout_s must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds))
	}
	return t, nil
}
