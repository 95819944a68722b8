package rules

import "time"

// Defaults returns the default rule set used when no rules file is
// configured. Every rule here must pass Validate.
func Defaults() []*Rule {
	return []*Rule{
		BruteForceRule(),
		PortScanRule(),
		CriticalPassthroughRule(),
	}
}

// BruteForceRule detects repeated authentication failures from one source
// address: 5 failures within 5 minutes, at most one alert per 10 minutes.
func BruteForceRule() *Rule {
	return &Rule{
		ID:      "brute-force",
		Name:    "Brute Force Login Attempts",
		Kind:    KindThreshold,
		Enabled: true,
		Match: Match{
			EventType: "auth_failure",
		},
		KeyField:  "src_ip",
		Window:    5 * time.Minute,
		Threshold: 5,
		Cooldown:  10 * time.Minute,
		Aggregate: AggregateCount,
		Severity:  "high",
		Message:   "Possible brute force from {key}: {count} failures in {window}",
	}
}

// PortScanRule detects one source connecting to many distinct destination
// ports: 10 distinct ports within 1 minute, at most one alert per
// 10 minutes. Distinct ports, not raw connection events.
func PortScanRule() *Rule {
	return &Rule{
		ID:      "port-scan",
		Name:    "Port Scan Activity",
		Kind:    KindThreshold,
		Enabled: true,
		Match: Match{
			EventType:      "connection",
			RequireDstPort: true,
		},
		KeyField:      "src_ip",
		Window:        time.Minute,
		Threshold:     10,
		Cooldown:      10 * time.Minute,
		Aggregate:     AggregateDistinct,
		DistinctField: "dst_port",
		Severity:      "high",
		Message:       "Port scan from {key}: {count} distinct ports in {window}",
	}
}

// CriticalPassthroughRule raises an alert for every Critical event.
// A single Critical event is independently significant, so there is no
// windowing or deduplication.
func CriticalPassthroughRule() *Rule {
	return &Rule{
		ID:      "critical-passthrough",
		Name:    "Critical Event",
		Kind:    KindImmediate,
		Enabled: true,
		Match: Match{
			Severity: "critical",
		},
		Severity: "critical",
		Message:  "Critical event from {key}",
	}
}
