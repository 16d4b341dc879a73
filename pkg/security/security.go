package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Limits applied to anything that ends up in a record or a delivery.
const (
	MaxJobTypeNameLength     = 255
	MaxKeyLength             = 255     // template keys, pipeline names, unique keys, correlation ids
	MaxPayloadSize           = 1 << 20 // 1MB
	MaxAttempts              = 100
	MaxConcurrency           = 1000
	MaxErrorMessageLength    = 4096
	MaxStackLength           = 16384
	MaxProgressMessageLength = 1024
)

var jobTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobTypeName checks that name starts with a letter and holds only
// letters, digits, underscores, hyphens, and dots.
func ValidateJobTypeName(name string) error {
	switch {
	case name == "":
		return core.ErrInvalidJobTypeName
	case len(name) > MaxJobTypeNameLength:
		return core.ErrJobTypeNameTooLong
	case !jobTypeName.MatchString(name):
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// ValidateKey checks an identifier supplied by callers. what names the
// identifier in the returned error. Empty keys are accepted; callers that
// require one check for it themselves.
func ValidateKey(what, key string) error {
	if len(key) > MaxKeyLength {
		return core.Validation(fmt.Errorf("%s exceeds %d bytes", what, MaxKeyLength))
	}
	for _, r := range key {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return core.Validation(fmt.Errorf("%s %q contains whitespace or control characters", what, key))
		}
	}
	return nil
}

// ValidatePayload rejects payloads above MaxPayloadSize.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

// SanitizeErrorMessage strips control characters and truncates to MaxErrorMessageLength.
func SanitizeErrorMessage(msg string) string { return sanitize(msg, MaxErrorMessageLength) }

// SanitizeStack strips control characters and truncates to MaxStackLength.
func SanitizeStack(stack string) string { return sanitize(stack, MaxStackLength) }

// SanitizeProgressMessage strips control characters and truncates to MaxProgressMessageLength.
func SanitizeProgressMessage(msg string) string { return sanitize(msg, MaxProgressMessageLength) }

// SanitizeDetail applies the storage limits to every text field of d.
func SanitizeDetail(d core.ErrorDetail) core.ErrorDetail {
	d.Message = SanitizeErrorMessage(d.Message)
	d.Stack = SanitizeStack(d.Stack)
	d.Reference = sanitize(d.Reference, MaxKeyLength)
	return d
}

// sanitize keeps tabs and line breaks, drops other control characters, and
// cuts the result to limit runes with a trailing ellipsis.
func sanitize(s string, limit int) string {
	if s == "" {
		return ""
	}
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			return r
		}
		return -1
	}, s)
	if utf8.RuneCountInString(clean) <= limit {
		return clean
	}
	runes := []rune(clean)
	return string(runes[:limit-3]) + "..."
}

// ClampAttempts bounds an attempt ceiling to [1, MaxAttempts].
func ClampAttempts(n int) int { return clamp(n, 1, MaxAttempts) }

// ClampConcurrency bounds worker concurrency to [1, MaxConcurrency].
func ClampConcurrency(n int) int { return clamp(n, 1, MaxConcurrency) }

// ClampPercent bounds a progress percentage to [0, 100].
func ClampPercent(p int) int { return clamp(p, 0, 100) }

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}
