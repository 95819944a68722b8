package schema

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnreadableRecord is returned when a record is not a key-value mapping
// and cannot be normalized at all.
var ErrUnreadableRecord = errors.New("record is not a key-value mapping")

// FieldWarning records a single field that was defaulted or dropped during
// normalization. Warnings are non-fatal and surfaced for observability.
type FieldWarning struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// timestampLayouts are tried in order when the timestamp is a string.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize builds a LogEvent from an untyped record.
//
// Normalization degrades gracefully: an unrecognized severity defaults to
// Info, a missing or unparsable timestamp falls back to now with
// TimestampInferred set, and malformed ports, addresses and coordinates are
// dropped as absent. Each degradation is reported as a FieldWarning. Only a
// nil record fails outright with ErrUnreadableRecord; callers reject
// non-mapping records before reaching this point.
func Normalize(record map[string]any, now time.Time) (*LogEvent, []FieldWarning, error) {
	if record == nil {
		return nil, nil, ErrUnreadableRecord
	}

	var warnings []FieldWarning
	warn := func(field, format string, args ...any) {
		warnings = append(warnings, FieldWarning{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	event := &LogEvent{
		ID:         uuid.New(),
		ReceivedAt: now,
		Source:     stringField(record, "source"),
		EventType:  stringField(record, "event_type", "eventType", "type"),
		Message:    stringField(record, "message", "msg"),
	}

	// Severity: case-insensitive, defaults to Info.
	if raw := stringField(record, "severity"); raw != "" {
		sev, ok := ParseSeverity(raw)
		if !ok {
			warn("severity", "unrecognized value %q, defaulting to info", raw)
		}
		event.Severity = sev
	} else if _, present := firstValue(record, "severity"); present {
		warn("severity", "non-string value, defaulting to info")
	}

	// Timestamp: source-supplied, falling back to ingestion time.
	if ts, ok := parseTimestamp(record); ok {
		event.Timestamp = ts
	} else {
		if _, present := firstValue(record, "timestamp", "time", "ts"); present {
			warn("timestamp", "unparsable value, using ingestion time")
		}
		event.Timestamp = now
		event.TimestampInferred = true
	}

	// Network addresses: malformed values are dropped, not fatal.
	if raw := stringField(record, "src_ip", "srcIP", "source_ip"); raw != "" {
		if _, err := netip.ParseAddr(raw); err != nil {
			warn("src_ip", "invalid address %q dropped", raw)
		} else {
			event.SrcIP = raw
		}
	}
	if raw := stringField(record, "dst_ip", "dstIP", "dest_ip"); raw != "" {
		if _, err := netip.ParseAddr(raw); err != nil {
			warn("dst_ip", "invalid address %q dropped", raw)
		} else {
			event.DstIP = raw
		}
	}

	if v, present := firstValue(record, "dst_port", "dstPort", "port"); present {
		if port, ok := toInt(v); ok && port > 0 && port <= 65535 {
			event.DstPort = port
		} else {
			warn("dst_port", "invalid port %v dropped", v)
		}
	}

	// Geo coordinates are passthrough attributes from an external lookup.
	if v, present := firstValue(record, "lat"); present {
		if f, ok := toFloat(v); ok && f >= -90 && f <= 90 {
			event.Lat = &f
		} else {
			warn("lat", "invalid latitude %v dropped", v)
		}
	}
	if v, present := firstValue(record, "lon", "lng"); present {
		if f, ok := toFloat(v); ok && f >= -180 && f <= 180 {
			event.Lon = &f
		} else {
			warn("lon", "invalid longitude %v dropped", v)
		}
	}

	return event, warnings, nil
}

func parseTimestamp(record map[string]any) (time.Time, bool) {
	v, present := firstValue(record, "timestamp", "time", "ts")
	if !present {
		return time.Time{}, false
	}

	switch tv := v.(type) {
	case time.Time:
		if tv.IsZero() {
			return time.Time{}, false
		}
		return tv, true
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		// Epoch seconds as a string.
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC(), true
		}
		return time.Time{}, false
	case float64:
		if tv <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(tv), 0).UTC(), true
	case int64:
		if tv <= 0 {
			return time.Time{}, false
		}
		return time.Unix(tv, 0).UTC(), true
	case int:
		if tv <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(tv), 0).UTC(), true
	}
	return time.Time{}, false
}

// stringField returns the first present key coerced to a trimmed string.
// Non-string scalars are not coerced; they yield "".
func stringField(record map[string]any, keys ...string) string {
	v, present := firstValue(record, keys...)
	if !present {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstValue(record map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := record[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
