package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/executor"
)

// maxUserErrorRunes bounds tool error text passed back to the caller.
const maxUserErrorRunes = 200

// RateLimitError is returned when admission rejects a message.
type RateLimitError struct {
	RetryAfterSeconds int
	Scope             admission.Scope
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %ds", e.Scope, e.RetryAfterSeconds)
}

// ValidationError is returned when content or tool arguments are rejected.
type ValidationError struct {
	Violations []contentgate.Violation
}

func (e *ValidationError) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = v.Code
	}
	return "validation failed: " + strings.Join(codes, ",")
}

// PermissionError is returned when the caller may not use a tool.
type PermissionError struct {
	Tool string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for tool %q", e.Tool)
}

// ToolError wraps a failed tool invocation, timeouts included.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// UserMessage renders err as reply text for the end user. Rate limits carry
// the exact wait; validation failures never describe what matched; tool
// failures are sanitized and trimmed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rl *RateLimitError
	var ve *ValidationError
	var pe *PermissionError
	var te *ToolError

	switch {
	case errors.As(err, &rl):
		unit := "seconds"
		if rl.RetryAfterSeconds == 1 {
			unit = "second"
		}
		return fmt.Sprintf("You're sending requests too quickly. Please wait %d %s and try again.", rl.RetryAfterSeconds, unit)
	case errors.As(err, &ve):
		return "Your message couldn't be processed. Please rephrase it and try again."
	case errors.As(err, &pe):
		return fmt.Sprintf("You don't have permission to use %s.", sanitize(pe.Tool, 64))
	case executor.IsTimeout(err):
		return "That took too long to complete. Please try again in a moment."
	case errors.As(err, &te):
		detail := sanitize(te.Err.Error(), maxUserErrorRunes)
		if detail == "" {
			return fmt.Sprintf("Something went wrong while running %s.", sanitize(te.Tool, 64))
		}
		return fmt.Sprintf("Something went wrong while running %s: %s", sanitize(te.Tool, 64), detail)
	default:
		return "Something went wrong. Please try again."
	}
}

// sanitize drops non-printable runes, collapses whitespace and trims to n runes.
func sanitize(s string, n int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
