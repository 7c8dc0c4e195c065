package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/triage-ai/gatekeeper/internal/executor"
)

func TestUserMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"rate limit singular", &RateLimitError{RetryAfterSeconds: 1}, "wait 1 second and"},
		{"rate limit plural", &RateLimitError{RetryAfterSeconds: 12}, "wait 12 seconds"},
		{"wrapped rate limit", fmt.Errorf("handler: %w", &RateLimitError{RetryAfterSeconds: 4}), "wait 4 seconds"},
		{"validation", &ValidationError{}, "couldn't be processed"},
		{"permission", &PermissionError{Tool: "calendar"}, "permission to use calendar"},
		{"timeout", &ToolError{Tool: "files", Err: &executor.TimeoutError{Tool: "files"}}, "took too long"},
		{"tool error", &ToolError{Tool: "files", Err: errors.New("quota exceeded")}, "running files: quota exceeded"},
		{"unknown", errors.New("boom"), "Something went wrong. Please try again."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := UserMessage(tc.err)
			if !strings.Contains(got, tc.want) {
				t.Errorf("UserMessage() = %q, want substring %q", got, tc.want)
			}
		})
	}
}

func TestUserMessage_TrimsToolError(t *testing.T) {
	long := strings.Repeat("x", 1000)
	msg := UserMessage(&ToolError{Tool: "files", Err: errors.New(long)})
	if strings.Count(msg, "x") != maxUserErrorRunes {
		t.Errorf("expected detail trimmed to %d runes, got %d", maxUserErrorRunes, strings.Count(msg, "x"))
	}
	if !strings.HasSuffix(msg, "...") {
		t.Errorf("expected ellipsis on trimmed detail, got %q", msg[len(msg)-10:])
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("a\x00b\n\n  c\td", 50); got != "ab c d" {
		t.Errorf("unexpected sanitize result %q", got)
	}
	if got := sanitize("héllo wörld", 5); got != "héllo..." || !utf8.ValidString(got) {
		t.Errorf("expected rune-safe trim, got %q", got)
	}
}
