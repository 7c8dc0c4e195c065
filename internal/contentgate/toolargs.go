package contentgate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolArgsValidator checks the JSON arguments of a tool call. It only flags
// the most destructive shell pipelines, plus schema violations for tools that
// registered an argument schema.
type ToolArgsValidator struct {
	rules atomic.Pointer[RuleSet]

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewToolArgsValidator creates a validator. A nil rule set uses the built-in rules.
func NewToolArgsValidator(rs *RuleSet) *ToolArgsValidator {
	if rs == nil {
		rs = DefaultRuleSet()
	}
	v := &ToolArgsValidator{schemas: make(map[string]*jsonschema.Schema)}
	v.rules.Store(rs)
	return v
}

// SetRules atomically replaces the active rule set.
func (v *ToolArgsValidator) SetRules(rs *RuleSet) {
	v.rules.Store(rs)
}

// CompileSchema compiles a JSON Schema document for tool.
func CompileSchema(tool, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("CompileSchema(%s): %w", tool, err)
	}
	url := tool + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("CompileSchema(%s): %w", tool, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("CompileSchema(%s): %w", tool, err)
	}
	return sch, nil
}

// RegisterSchema compiles and installs the argument schema for tool.
func (v *ToolArgsValidator) RegisterSchema(tool, schemaJSON string) error {
	sch, err := CompileSchema(tool, schemaJSON)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.schemas[tool] = sch
	v.mu.Unlock()
	return nil
}

// SetSchemas replaces every registered schema at once.
func (v *ToolArgsValidator) SetSchemas(schemas map[string]*jsonschema.Schema) {
	cp := make(map[string]*jsonschema.Schema, len(schemas))
	for k, s := range schemas {
		cp[k] = s
	}
	v.mu.Lock()
	v.schemas = cp
	v.mu.Unlock()
}

func (v *ToolArgsValidator) schema(tool string) *jsonschema.Schema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.schemas[tool]
}

// Validate checks argsJSON for tool. Sanitized is argsJSON unchanged; tool
// arguments are never rewritten.
func (v *ToolArgsValidator) Validate(tool, argsJSON string) Result {
	rs := v.rules.Load()
	res := Result{Sanitized: argsJSON, RuleVersion: rs.Version}

	if r, ok := rs.firstMatch(FamilyToolArgs, argsJSON); ok {
		res.Violations = append(res.Violations, Violation{
			Code:    CodeDangerousCommand,
			Message: "tool arguments contain a command that is not allowed",
			Rule:    r.Name,
		})
	}

	if sch := v.schema(tool); sch != nil {
		if issue := validateAgainst(sch, argsJSON); issue != nil {
			res.Violations = append(res.Violations, *issue)
		}
	}

	res.Valid = len(res.Violations) == 0
	return res
}

func validateAgainst(sch *jsonschema.Schema, argsJSON string) *Violation {
	if !json.Valid([]byte(argsJSON)) {
		return &Violation{Code: CodeInvalidJSON, Message: "tool arguments are not valid JSON"}
	}
	args, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return &Violation{Code: CodeInvalidJSON, Message: "tool arguments are not valid JSON"}
	}
	if err := sch.Validate(args); err != nil {
		return &Violation{
			Code:    CodeSchemaMismatch,
			Message: "tool arguments do not match the expected shape",
			Rule:    err.Error(),
		}
	}
	return nil
}
