// Package schema defines the canonical event model for Argus.
// All ingested records are normalized to LogEvent before detection.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered severity scale for events and alerts.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical lowercase name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "info"
}

// IsValid checks if the severity is within the defined scale.
func (s Severity) IsValid() bool {
	return s >= SeverityInfo && s <= SeverityCritical
}

// ParseSeverity maps a severity string to the enum, case-insensitively.
// Unrecognized values map to SeverityInfo and ok is false.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo, true
	case "low":
		return SeverityLow, true
	case "medium", "med":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical", "crit":
		return SeverityCritical, true
	}
	return SeverityInfo, false
}

// LogEvent is the canonical normalized security event.
// It is immutable once constructed; the engine never mutates it.
type LogEvent struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// TimestampInferred is set when the source supplied no parsable
	// timestamp and ingestion time was substituted.
	TimestampInferred bool     `json:"timestamp_inferred,omitempty"`
	Source            string   `json:"source"`
	EventType         string   `json:"event_type"`
	Severity          Severity `json:"severity"`
	Message           string   `json:"message,omitempty"`
	SrcIP             string   `json:"src_ip,omitempty"`
	DstIP             string   `json:"dst_ip,omitempty"`
	// DstPort is 0 when absent. Valid ports are 1-65535.
	DstPort int `json:"dst_port,omitempty"`
	// Lat/Lon are passthrough geo attributes supplied by an external
	// lookup; nil when absent.
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// HasDstPort reports whether a destination port is present.
func (e *LogEvent) HasDstPort() bool {
	return e.DstPort > 0 && e.DstPort <= 65535
}
