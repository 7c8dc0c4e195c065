package contentgate

import (
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// DefaultMaxLength is the free-text limit in runes.
const DefaultMaxLength = 4000

// Violation codes.
const (
	CodeControlBytes     = "control_bytes"
	CodeCommandInjection = "command_injection"
	CodePromptInjection  = "prompt_injection"
	CodeTooLong          = "too_long"
	CodeEmpty            = "empty"
	CodeDangerousCommand = "dangerous_command"
	CodeInvalidJSON      = "invalid_arguments"
	CodeSchemaMismatch   = "schema_mismatch"
)

// Violation is one failed check. Message is safe to show to the caller and
// never contains the matched text or the rule that matched it.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Rule names the matching rule for logs and audit only.
	Rule string `json:"-"`
}

// Result is the outcome of validating one input.
type Result struct {
	Valid      bool        `json:"valid"`
	Sanitized  string      `json:"sanitized"`
	Violations []Violation `json:"violations,omitempty"`
	// RuleVersion is the version of the rule set that produced this result.
	RuleVersion string `json:"rule_version"`
}

// Codes lists the violation codes in order.
func (r Result) Codes() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Code
	}
	return out
}

// Validator checks free user text. Rules can be swapped at any time.
type Validator struct {
	rules     atomic.Pointer[RuleSet]
	maxLength int
}

// NewValidator creates a Validator. A nil rule set uses the built-in rules.
func NewValidator(rs *RuleSet, maxLength int) *Validator {
	if rs == nil {
		rs = DefaultRuleSet()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	v := &Validator{maxLength: maxLength}
	v.rules.Store(rs)
	return v
}

// SetRules atomically replaces the active rule set.
func (v *Validator) SetRules(rs *RuleSet) {
	v.rules.Store(rs)
}

// Rules returns the active rule set.
func (v *Validator) Rules() *RuleSet {
	return v.rules.Load()
}

// Validate checks raw against the configured length limit.
func (v *Validator) Validate(raw string) Result {
	return v.ValidateWithLimit(raw, v.maxLength)
}

// ValidateWithLimit runs every check and accumulates all violations. Control
// bytes are always stripped from Sanitized, overlong text is truncated and
// surrounding whitespace is trimmed. Injection patterns are reported but
// never rewritten.
func (v *Validator) ValidateWithLimit(raw string, maxLength int) Result {
	if maxLength <= 0 {
		maxLength = v.maxLength
	}
	rs := v.rules.Load()
	res := Result{RuleVersion: rs.Version}

	text, stripped := stripControl(raw)
	if stripped {
		res.Violations = append(res.Violations, Violation{
			Code:    CodeControlBytes,
			Message: "message contains characters that are not allowed",
		})
	}

	if r, ok := rs.firstMatch(FamilyCommandInjection, text); ok {
		res.Violations = append(res.Violations, Violation{
			Code:    CodeCommandInjection,
			Message: "message contains content that is not allowed",
			Rule:    r.Name,
		})
	}

	if r, ok := rs.firstMatch(FamilyPromptInjection, text); ok {
		res.Violations = append(res.Violations, Violation{
			Code:    CodePromptInjection,
			Message: "message contains content that is not allowed",
			Rule:    r.Name,
		})
	}

	if utf8.RuneCountInString(text) > maxLength {
		res.Violations = append(res.Violations, Violation{
			Code:    CodeTooLong,
			Message: "message is too long",
		})
		text = truncateRunes(text, maxLength)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		res.Violations = append(res.Violations, Violation{
			Code:    CodeEmpty,
			Message: "message is empty",
		})
	}

	res.Sanitized = text
	res.Valid = len(res.Violations) == 0
	return res
}

// stripControl removes NUL and other C0 control bytes except tab, newline and
// carriage return, plus DEL and invalid UTF-8. It reports whether anything
// was removed.
func stripControl(s string) (string, bool) {
	clean := true
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if isBanned(r, size) {
			clean = false
			break
		}
		i += size
	}
	if clean {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isBanned(r, size) {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String(), true
}

func isBanned(r rune, size int) bool {
	if r == utf8.RuneError && size <= 1 {
		return true
	}
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
