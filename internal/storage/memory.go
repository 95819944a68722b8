package storage

import (
	"context"
	"sort"
	"sync"

	"argus-siem/internal/detect"
	"argus-siem/internal/query"
	"argus-siem/internal/schema"
)

// MemoryStore is an in-process Store for development and tests. Reads
// apply the same filter semantics as the ClickHouse store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*schema.LogEvent
	alerts []*detect.Alert
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Close marks the store closed; further writes fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// InsertEvents appends events.
func (s *MemoryStore) InsertEvents(ctx context.Context, events []*schema.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, events...)
	return nil
}

// InsertAlerts appends alerts.
func (s *MemoryStore) InsertAlerts(ctx context.Context, alerts []*detect.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.alerts = append(s.alerts, alerts...)
	return nil
}

// Events returns filtered events, newest first.
func (s *MemoryStore) Events(ctx context.Context, filter query.EventFilter, page query.Page) ([]*schema.LogEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*schema.LogEvent
	for _, event := range s.events {
		if filter.Matches(event) {
			matched = append(matched, event)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return pageOf(matched, page), nil
}

// Alerts returns filtered alerts, newest first.
func (s *MemoryStore) Alerts(ctx context.Context, filter query.AlertFilter, page query.Page) ([]*detect.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*detect.Alert
	for _, alert := range s.alerts {
		if filter.Matches(alert) {
			matched = append(matched, alert)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return pageOf(matched, page), nil
}

// CountEvents returns the number of events matching the filter.
func (s *MemoryStore) CountEvents(ctx context.Context, filter query.EventFilter) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	for _, event := range s.events {
		if filter.Matches(event) {
			count++
		}
	}
	return count, nil
}

// CountAlerts returns the number of alerts matching the filter.
func (s *MemoryStore) CountAlerts(ctx context.Context, filter query.AlertFilter) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	for _, alert := range s.alerts {
		if filter.Matches(alert) {
			count++
		}
	}
	return count, nil
}

// EventSeverityBreakdown counts events per severity, most severe first.
func (s *MemoryStore) EventSeverityBreakdown(ctx context.Context, filter query.EventFilter) ([]SeverityCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[schema.Severity]uint64)
	for _, event := range s.events {
		if filter.Matches(event) {
			counts[event.Severity]++
		}
	}

	var breakdown []SeverityCount
	for severity := schema.SeverityCritical; severity >= schema.SeverityInfo; severity-- {
		if count, ok := counts[severity]; ok {
			breakdown = append(breakdown, SeverityCount{Severity: severity, Count: count})
		}
	}
	return breakdown, nil
}

func pageOf[T any](items []T, page query.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if len(items) > page.Limit {
		items = items[:page.Limit]
	}
	return items
}
