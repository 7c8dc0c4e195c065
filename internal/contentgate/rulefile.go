package contentgate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk form of additional rules:
//
//	version: "2026-05-01"
//	families:
//	  prompt_injection:
//	    - name: developer mode
//	      pattern: '(?i)developer\s+mode\s+enabled'
//	tool_schemas:
//	  calendar.create_event: |
//	    {"type": "object", "required": ["title"]}
type RuleFile struct {
	Version     string                `yaml:"version"`
	Families    map[Family][]RuleSpec `yaml:"families"`
	ToolSchemas map[string]string     `yaml:"tool_schemas"`
}

// RuleSpec is one uncompiled rule.
type RuleSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// ParseRuleFile decodes a rule file.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("ParseRuleFile: %w", err)
	}
	if rf.Version == "" {
		return nil, fmt.Errorf("ParseRuleFile: version is required")
	}
	return &rf, nil
}

// Compile builds a RuleSet on top of base and compiles every tool schema.
// Nothing is returned unless every pattern and schema compiles.
func (rf *RuleFile) Compile(base *RuleSet) (*RuleSet, map[string]*jsonschema.Schema, error) {
	extra := make(map[Family][]Rule, len(rf.Families))
	for f, specs := range rf.Families {
		for i, spec := range specs {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, nil, fmt.Errorf("rule %s[%d] %q: %w", f, i, spec.Name, err)
			}
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("%s-%d", f, i)
			}
			extra[f] = append(extra[f], Rule{Name: name, Pattern: re})
		}
	}
	rs, err := base.Extend(rf.Version, extra)
	if err != nil {
		return nil, nil, err
	}

	schemas := make(map[string]*jsonschema.Schema, len(rf.ToolSchemas))
	for tool, doc := range rf.ToolSchemas {
		sch, err := CompileSchema(tool, doc)
		if err != nil {
			return nil, nil, err
		}
		schemas[tool] = sch
	}
	return rs, schemas, nil
}

// RuleLoader applies a rule file to both validators and reapplies it when
// the file changes. A file that fails to load leaves the previous rules active.
type RuleLoader struct {
	path   string
	text   *Validator
	args   *ToolArgsValidator
	logger *zap.Logger

	debounce time.Duration
	mu       sync.Mutex
}

// NewRuleLoader creates a loader for path.
func NewRuleLoader(path string, text *Validator, args *ToolArgsValidator, logger *zap.Logger) *RuleLoader {
	return &RuleLoader{
		path:     path,
		text:     text,
		args:     args,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Load reads, compiles and installs the rule file.
func (l *RuleLoader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("RuleLoader.Load: %w", err)
	}
	rf, err := ParseRuleFile(data)
	if err != nil {
		return err
	}
	rs, schemas, err := rf.Compile(DefaultRuleSet())
	if err != nil {
		return fmt.Errorf("RuleLoader.Load: %w", err)
	}

	l.text.SetRules(rs)
	l.args.SetRules(rs)
	l.args.SetSchemas(schemas)

	l.logger.Info("content rules loaded",
		zap.String("path", l.path),
		zap.String("version", rs.Version),
		zap.Int("rules", rs.Count()),
		zap.Int("tool_schemas", len(schemas)),
	)
	return nil
}

// Watch reloads the rule file on change until ctx is cancelled. The parent
// directory is watched so editors that replace the file are picked up.
func (l *RuleLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("RuleLoader.Watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("RuleLoader.Watch: %w", err)
	}
	target := filepath.Clean(l.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if err := l.Load(); err != nil {
					l.logger.Error("content rules reload failed, keeping previous rules", zap.Error(err))
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("rule file watcher error", zap.Error(err))
		}
	}
}
