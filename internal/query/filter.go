// Package query defines the structured filters the query surface accepts
// over stored events and alerts. Filters are conjunctive: every set field
// must hold, an unset field matches everything, and a filter with nothing
// set matches all rows. Results are always ordered newest first.
package query

import (
	"fmt"
	"strings"
	"time"

	"argus-siem/internal/detect"
	"argus-siem/internal/schema"
)

// DefaultLimit is the page size applied when the caller does not set one.
const DefaultLimit = 100

// MaxLimit caps the page size a caller may request.
const MaxLimit = 1000

// Page selects a slice of the timestamp-descending result set.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// EventFilter selects stored events. All set conditions are ANDed.
type EventFilter struct {
	// Since and Until bound the event timestamp, inclusive on Since and
	// exclusive on Until. Zero values leave the bound open.
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`

	Source    string `json:"source,omitempty"`
	EventType string `json:"event_type,omitempty"`

	// MinSeverity keeps events at or above the given severity.
	MinSeverity *schema.Severity `json:"min_severity,omitempty"`

	// Text is a case-insensitive substring match over the event message
	// and source IP.
	Text string `json:"text,omitempty"`
}

// Matches reports whether the event satisfies every set condition.
func (f EventFilter) Matches(event *schema.LogEvent) bool {
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !event.Timestamp.Before(f.Until) {
		return false
	}
	if f.Source != "" && !strings.EqualFold(event.Source, f.Source) {
		return false
	}
	if f.EventType != "" && !strings.EqualFold(event.EventType, f.EventType) {
		return false
	}
	if f.MinSeverity != nil && event.Severity < *f.MinSeverity {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(event.Message), needle) &&
			!strings.Contains(strings.ToLower(event.SrcIP), needle) {
			return false
		}
	}
	return true
}

// Where builds the SQL WHERE clause for the events table with positional
// placeholders. Returns an empty clause when nothing is set.
func (f EventFilter) Where() (string, []any) {
	var conds []string
	var args []any

	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until)
	}
	if f.Source != "" {
		conds = append(conds, "lower(source) = lower(?)")
		args = append(args, f.Source)
	}
	if f.EventType != "" {
		conds = append(conds, "lower(event_type) = lower(?)")
		args = append(args, f.EventType)
	}
	if f.MinSeverity != nil {
		conds = append(conds, "severity >= ?")
		args = append(args, int(*f.MinSeverity))
	}
	if f.Text != "" {
		conds = append(conds, "(positionCaseInsensitive(message, ?) > 0 OR positionCaseInsensitive(src_ip, ?) > 0)")
		args = append(args, f.Text, f.Text)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// AlertFilter selects stored alerts. All set conditions are ANDed.
type AlertFilter struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`

	RuleID string `json:"rule_id,omitempty"`
	Key    string `json:"key,omitempty"`

	MinSeverity *schema.Severity `json:"min_severity,omitempty"`

	// Text is a case-insensitive substring match over the alert message
	// and key.
	Text string `json:"text,omitempty"`
}

// Matches reports whether the alert satisfies every set condition.
func (f AlertFilter) Matches(alert *detect.Alert) bool {
	if !f.Since.IsZero() && alert.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !alert.CreatedAt.Before(f.Until) {
		return false
	}
	if f.RuleID != "" && alert.RuleID != f.RuleID {
		return false
	}
	if f.Key != "" && alert.Key != f.Key {
		return false
	}
	if f.MinSeverity != nil && alert.Severity < *f.MinSeverity {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(alert.Message), needle) &&
			!strings.Contains(strings.ToLower(alert.Key), needle) {
			return false
		}
	}
	return true
}

// Where builds the SQL WHERE clause for the alerts table with positional
// placeholders.
func (f AlertFilter) Where() (string, []any) {
	var conds []string
	var args []any

	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until)
	}
	if f.RuleID != "" {
		conds = append(conds, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Key != "" {
		conds = append(conds, "key = ?")
		args = append(args, f.Key)
	}
	if f.MinSeverity != nil {
		conds = append(conds, "severity >= ?")
		args = append(args, int(*f.MinSeverity))
	}
	if f.Text != "" {
		conds = append(conds, "(positionCaseInsensitive(message, ?) > 0 OR positionCaseInsensitive(key, ?) > 0)")
		args = append(args, f.Text, f.Text)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ParseTimeBound parses a time filter value: RFC 3339, or a relative
// expression like "now-1h" or "now-7d".
func ParseTimeBound(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "now" {
		return now, nil
	}
	if rest, ok := strings.CutPrefix(lower, "now-"); ok {
		if dur, ok := parseRelative(rest); ok {
			return now.Add(-dur), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable time bound %q", s)
}

func parseRelative(s string) (time.Duration, bool) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		dur, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, false
		}
		return dur * 24, true
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return dur, true
}
