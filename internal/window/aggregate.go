// Package window maintains per (rule, key) sliding-window state for the
// detection engine: occurrence counts and distinct-value sets with expiry.
package window

import "time"

// Aggregate is a windowed aggregate over event observations.
// Implementations are not safe for concurrent use; the Store serializes
// access per key.
type Aggregate interface {
	// Observe records a value observed at ts and returns the aggregate
	// size within the window ending at the supplied cutoff. Observations
	// older than the cutoff are dropped silently: they cannot affect a
	// live threshold decision.
	Observe(value string, ts, cutoff time.Time) int
	// Prune evicts observations older than cutoff and returns the
	// remaining size.
	Prune(cutoff time.Time) int
	// Size returns the current number of retained observations.
	Size() int
}

// countAggregate counts matching events in the window. Timestamps are kept
// in arrival order; eviction scans from the front using each event's own
// timestamp, so a late event inside the window still counts correctly and
// stale entries behind a newer head are collected on a later pass.
type countAggregate struct {
	occurrences []time.Time
}

// NewCount returns an occurrence-count aggregate.
func NewCount() Aggregate {
	return &countAggregate{}
}

func (a *countAggregate) Observe(_ string, ts, cutoff time.Time) int {
	a.Prune(cutoff)
	if ts.Before(cutoff) {
		return len(a.occurrences)
	}
	a.occurrences = append(a.occurrences, ts)
	return len(a.occurrences)
}

func (a *countAggregate) Prune(cutoff time.Time) int {
	i := 0
	for i < len(a.occurrences) && a.occurrences[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.occurrences = append(a.occurrences[:0], a.occurrences[i:]...)
	}
	return len(a.occurrences)
}

func (a *countAggregate) Size() int {
	return len(a.occurrences)
}

// distinctAggregate counts distinct values seen in the window, keeping the
// newest timestamp per value. Re-observing a value refreshes it without
// growing the aggregate.
type distinctAggregate struct {
	seen map[string]time.Time
}

// NewDistinct returns a distinct-value aggregate.
func NewDistinct() Aggregate {
	return &distinctAggregate{seen: make(map[string]time.Time)}
}

func (a *distinctAggregate) Observe(value string, ts, cutoff time.Time) int {
	a.Prune(cutoff)
	if ts.Before(cutoff) || value == "" {
		return len(a.seen)
	}
	if existing, ok := a.seen[value]; !ok || ts.After(existing) {
		a.seen[value] = ts
	}
	return len(a.seen)
}

func (a *distinctAggregate) Prune(cutoff time.Time) int {
	for value, ts := range a.seen {
		if ts.Before(cutoff) {
			delete(a.seen, value)
		}
	}
	return len(a.seen)
}

func (a *distinctAggregate) Size() int {
	return len(a.seen)
}
