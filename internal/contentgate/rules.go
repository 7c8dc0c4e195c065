// Package contentgate validates free text and tool arguments against
// versioned sets of heuristic patterns. Matching is defense in depth, not a
// complete filter.
package contentgate

import (
	"fmt"
	"regexp"
)

// Family groups rules that report the same kind of violation.
type Family string

const (
	FamilyCommandInjection Family = "command_injection"
	FamilyPromptInjection  Family = "prompt_injection"
	FamilyToolArgs         Family = "tool_args"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyCommandInjection, FamilyPromptInjection, FamilyToolArgs:
		return true
	}
	return false
}

// Rule is one compiled pattern. Name is for logs and never shown to callers.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// RuleSet is an immutable, versioned collection of rule families.
type RuleSet struct {
	Version  string
	families map[Family][]Rule
}

// DefaultVersion tags the built-in rule set.
const DefaultVersion = "builtin-1"

// Pre-compiled once at startup.
var (
	commandInjectionRules = []Rule{
		{"backtick span", regexp.MustCompile("`[^`]+`")},
		{"command substitution", regexp.MustCompile(`\$\([^)]*\)`)},
		{"pipe to command", regexp.MustCompile(`\|\s*[A-Za-z_][\w./-]*`)},
		{"and chain", regexp.MustCompile(`&&\s*[A-Za-z_][\w./-]*`)},
		{"redirect to path", regexp.MustCompile(`>>?\s*[A-Za-z_/~][\w./~-]*`)},
		{"redirect from path", regexp.MustCompile(`<\s*[A-Za-z_/~][\w./~-]*`)},
	}

	promptInjectionRules = []Rule{
		{"ignore previous instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`)},
		{"forget previous instructions", regexp.MustCompile(`(?i)forget\s+(all\s+|everything\s+)?(about\s+)?(your|previous|prior|above)\s+(instructions|context|rules)`)},
		{"disregard instructions", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`)},
		{"role reassignment: you are now", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`)},
		{"role reassignment: act as", regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are|a|an)\s+`)},
		{"role reassignment: pretend", regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`)},
		{"role reassignment: new role", regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`)},
		{"system prefix", regexp.MustCompile(`(?i)(^|\n)\s*system\s*:`)},
		{"chatml delimiter", regexp.MustCompile(`<\|im_(start|end)\|>`)},
		{"llama delimiter", regexp.MustCompile(`\[/?INST\]|<</?SYS>>`)},
		{"system tag", regexp.MustCompile(`(?i)\[SYSTEM\]`)},
		{"markdown system header", regexp.MustCompile(`(?i)###\s*(SYSTEM|INSTRUCTION)`)},
	}

	toolArgRules = []Rule{
		{"recursive force delete", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*|-r\s+-f|-f\s+-r)\s+[/~*]`)},
		{"download and execute", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b`)},
		{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
		{"filesystem format", regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\s+/dev/`)},
		{"raw disk overwrite", regexp.MustCompile(`(?i)\bdd\s+[^|;]*\bof=/dev/(sd|hd|nvme|xvd|vd)`)},
	}
)

// DefaultRuleSet returns the built-in rules.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Version: DefaultVersion,
		families: map[Family][]Rule{
			FamilyCommandInjection: commandInjectionRules,
			FamilyPromptInjection:  promptInjectionRules,
			FamilyToolArgs:         toolArgRules,
		},
	}
}

// Rules returns the rules of one family.
func (rs *RuleSet) Rules(f Family) []Rule {
	if rs == nil {
		return nil
	}
	return rs.families[f]
}

// Extend returns a new RuleSet tagged version with extra appended to the
// matching families. The receiver is not modified.
func (rs *RuleSet) Extend(version string, extra map[Family][]Rule) (*RuleSet, error) {
	out := &RuleSet{Version: version, families: make(map[Family][]Rule, len(rs.families))}
	for f, rules := range rs.families {
		out.families[f] = append([]Rule(nil), rules...)
	}
	for f, rules := range extra {
		if !f.Valid() {
			return nil, fmt.Errorf("unknown rule family %q", f)
		}
		out.families[f] = append(out.families[f], rules...)
	}
	return out, nil
}

// Count returns the number of rules across all families.
func (rs *RuleSet) Count() int {
	n := 0
	for _, rules := range rs.families {
		n += len(rules)
	}
	return n
}

// firstMatch returns the first rule of f matching text.
func (rs *RuleSet) firstMatch(f Family, text string) (Rule, bool) {
	for _, r := range rs.Rules(f) {
		if r.Pattern.MatchString(text) {
			return r, true
		}
	}
	return Rule{}, false
}
