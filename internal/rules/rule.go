// Package rules defines the declarative detection rules evaluated by the
// engine. Rules are configuration, not runtime state: they are loaded once
// at startup and validated before any ingestion begins.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"argus-siem/internal/schema"
)

// Kind defines how a rule fires.
type Kind string

const (
	// KindThreshold fires when a windowed aggregate crosses a count
	// threshold for a grouping key, subject to a cooldown.
	KindThreshold Kind = "threshold"
	// KindImmediate fires on every matching event, with no deduplication.
	KindImmediate Kind = "immediate"
)

// AggregateKind defines the shape of windowed state a threshold rule keeps.
type AggregateKind string

const (
	// AggregateCount counts matching events in the window.
	AggregateCount AggregateKind = "count"
	// AggregateDistinct counts distinct values of DistinctField seen in
	// the window, not raw occurrences.
	AggregateDistinct AggregateKind = "distinct"
)

// Match is the predicate a rule applies to each event.
// All set fields must hold; an empty Match matches every event.
type Match struct {
	// EventType matches the event type case-insensitively when set.
	EventType string `yaml:"event_type"`
	// Severity matches the event severity exactly when set.
	Severity string `yaml:"severity"`
	// RequireDstPort requires a present destination port.
	RequireDstPort bool `yaml:"require_dst_port"`

	severity    schema.Severity
	hasSeverity bool
}

// Rule is a single detection rule definition.
type Rule struct {
	ID      string `yaml:"id" validate:"required"`
	Name    string `yaml:"name" validate:"required"`
	Kind    Kind   `yaml:"kind" validate:"required,oneof=threshold immediate"`
	Enabled bool   `yaml:"enabled"`
	Match   Match  `yaml:"match"`

	// KeyField selects the event attribute events are grouped by.
	// Threshold rules only.
	KeyField string `yaml:"key" validate:"omitempty,oneof=src_ip dst_ip source"`

	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`

	Aggregate AggregateKind `yaml:"aggregate" validate:"omitempty,oneof=count distinct"`
	// DistinctField is the attribute whose distinct values are counted
	// when Aggregate is "distinct".
	DistinctField string `yaml:"distinct_field" validate:"omitempty,oneof=dst_port dst_ip source"`

	// Severity is the severity of emitted alerts.
	Severity string `yaml:"severity" validate:"required"`
	// Message is the alert message template. Placeholders {key}, {count}
	// and {window} are substituted at emission time.
	Message string `yaml:"message"`

	resultSeverity schema.Severity
}

var validate = validator.New()

// Validate checks the rule definition and resolves parsed fields.
// Invalid rules are a fatal configuration error; they must be rejected
// before ingestion starts.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}

	sev, ok := schema.ParseSeverity(r.Severity)
	if !ok {
		return fmt.Errorf("rule %q: unknown severity %q", r.ID, r.Severity)
	}
	r.resultSeverity = sev

	if r.Match.Severity != "" {
		msev, ok := schema.ParseSeverity(r.Match.Severity)
		if !ok {
			return fmt.Errorf("rule %q: unknown match severity %q", r.ID, r.Match.Severity)
		}
		r.Match.severity = msev
		r.Match.hasSeverity = true
	}

	switch r.Kind {
	case KindThreshold:
		if r.Window <= 0 {
			return fmt.Errorf("rule %q: threshold rules require a positive window", r.ID)
		}
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %q: threshold must be positive", r.ID)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("rule %q: cooldown must not be negative", r.ID)
		}
		if r.KeyField == "" {
			r.KeyField = "src_ip"
		}
		if r.Aggregate == "" {
			r.Aggregate = AggregateCount
		}
		if r.Aggregate == AggregateDistinct && r.DistinctField == "" {
			return fmt.Errorf("rule %q: distinct aggregate requires distinct_field", r.ID)
		}
	case KindImmediate:
		if r.Threshold != 0 || r.Window != 0 {
			return fmt.Errorf("rule %q: immediate rules take no window or threshold", r.ID)
		}
	}

	return nil
}

// ResultSeverity returns the parsed alert severity. Valid only after
// Validate has succeeded.
func (r *Rule) ResultSeverity() schema.Severity {
	return r.resultSeverity
}

// Matches reports whether the event satisfies the rule's predicate.
func (r *Rule) Matches(event *schema.LogEvent) bool {
	if r.Match.EventType != "" && !strings.EqualFold(event.EventType, r.Match.EventType) {
		return false
	}
	if r.Match.hasSeverity && event.Severity != r.Match.severity {
		return false
	}
	if r.Match.RequireDstPort && !event.HasDstPort() {
		return false
	}
	return true
}

// Key extracts the grouping key for the event, or "" when the keying
// attribute is absent (the event is then not counted for this rule).
func (r *Rule) Key(event *schema.LogEvent) string {
	switch r.KeyField {
	case "src_ip":
		return event.SrcIP
	case "dst_ip":
		return event.DstIP
	case "source":
		return event.Source
	}
	return event.SrcIP
}

// DistinctValue extracts the value counted by a distinct aggregate,
// or "" when absent.
func (r *Rule) DistinctValue(event *schema.LogEvent) string {
	switch r.DistinctField {
	case "dst_port":
		if !event.HasDstPort() {
			return ""
		}
		return strconv.Itoa(event.DstPort)
	case "dst_ip":
		return event.DstIP
	case "source":
		return event.Source
	}
	return ""
}

// RenderMessage fills the rule's message template for an alert.
func (r *Rule) RenderMessage(key string, count int) string {
	tmpl := r.Message
	if tmpl == "" {
		tmpl = r.Name + " ({key})"
	}
	return strings.NewReplacer(
		"{key}", key,
		"{count}", strconv.Itoa(count),
		"{window}", r.Window.String(),
	).Replace(tmpl)
}

// ParseRules parses one or more rules from YAML bytes. Accepts either a
// list of rules or a single rule document.
func ParseRules(data []byte) ([]*Rule, error) {
	var parsed []*Rule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		var single Rule
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		parsed = []*Rule{&single}
	}

	for i, rule := range parsed {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return parsed, nil
}

// LoadFile loads and validates rules from a YAML file.
func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// LoadDir loads rules from every .yaml/.yml file in a directory.
func LoadDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var all []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		loaded, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		all = append(all, loaded...)
	}
	return all, nil
}
