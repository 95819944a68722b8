package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-siem/internal/detect"
	"argus-siem/internal/query"
	"argus-siem/internal/schema"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedEvents(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	events := make([]*schema.LogEvent, 0, n)
	for i := 0; i < n; i++ {
		severity := schema.SeverityInfo
		if i%5 == 0 {
			severity = schema.SeverityHigh
		}
		events = append(events, &schema.LogEvent{
			ID:        uuid.New(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Source:    fmt.Sprintf("host-%d", i%3),
			EventType: "connection",
			Severity:  severity,
			Message:   fmt.Sprintf("connection %d", i),
			SrcIP:     "10.0.0.1",
		})
	}
	if err := store.InsertEvents(context.Background(), events); err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}
}

func TestMemoryStore_EventsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	seedEvents(t, store, 10)

	events, err := store.Events(context.Background(), query.EventFilter{}, query.Page{})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.After(events[i-1].Timestamp) {
			t.Fatalf("events not in descending timestamp order at %d", i)
		}
	}
}

func TestMemoryStore_EventsFiltered(t *testing.T) {
	store := NewMemoryStore()
	seedEvents(t, store, 15)

	events, err := store.Events(context.Background(), query.EventFilter{Source: "host-0"}, query.Page{})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events for host-0, want 5", len(events))
	}
	for _, event := range events {
		if event.Source != "host-0" {
			t.Errorf("filter leaked source %q", event.Source)
		}
	}
}

func TestMemoryStore_EmptyResultNotError(t *testing.T) {
	store := NewMemoryStore()

	events, err := store.Events(context.Background(), query.EventFilter{Source: "absent"}, query.Page{})
	if err != nil {
		t.Fatalf("Events() on empty store error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}

	count, err := store.CountEvents(context.Background(), query.EventFilter{})
	if err != nil || count != 0 {
		t.Errorf("CountEvents = %d, %v", count, err)
	}
}

func TestMemoryStore_Pagination(t *testing.T) {
	store := NewMemoryStore()
	seedEvents(t, store, 25)

	first, err := store.Events(context.Background(), query.EventFilter{}, query.Page{Limit: 10})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	second, err := store.Events(context.Background(), query.EventFilter{}, query.Page{Limit: 10, Offset: 10})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	third, err := store.Events(context.Background(), query.EventFilter{}, query.Page{Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	past, err := store.Events(context.Background(), query.EventFilter{}, query.Page{Limit: 10, Offset: 100})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	if len(first) != 10 || len(second) != 10 || len(third) != 5 || len(past) != 0 {
		t.Errorf("page sizes = %d, %d, %d, %d", len(first), len(second), len(third), len(past))
	}
	if !first[9].Timestamp.After(second[0].Timestamp) {
		t.Error("pages overlap or are out of order")
	}
}

func TestMemoryStore_Alerts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	alerts := []*detect.Alert{
		{
			ID: uuid.New(), RuleID: "brute-force", Key: "10.0.0.5",
			Severity: schema.SeverityHigh, Message: "brute force", CreatedAt: base,
		},
		{
			ID: uuid.New(), RuleID: "critical-passthrough", Key: "db-1",
			Severity: schema.SeverityCritical, Message: "disk failure", CreatedAt: base.Add(time.Minute),
		},
	}
	if err := store.InsertAlerts(ctx, alerts); err != nil {
		t.Fatalf("InsertAlerts() error = %v", err)
	}

	got, err := store.Alerts(ctx, query.AlertFilter{}, query.Page{})
	if err != nil {
		t.Fatalf("Alerts() error = %v", err)
	}
	if len(got) != 2 || got[0].RuleID != "critical-passthrough" {
		t.Errorf("Alerts() = %d rows, first rule %q", len(got), got[0].RuleID)
	}

	got, err = store.Alerts(ctx, query.AlertFilter{RuleID: "brute-force"}, query.Page{})
	if err != nil || len(got) != 1 {
		t.Errorf("filtered Alerts() = %d rows, err %v", len(got), err)
	}
}

func TestMemoryStore_SeverityBreakdown(t *testing.T) {
	store := NewMemoryStore()
	seedEvents(t, store, 10)

	breakdown, err := store.EventSeverityBreakdown(context.Background(), query.EventFilter{})
	if err != nil {
		t.Fatalf("EventSeverityBreakdown() error = %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("got %d buckets, want 2", len(breakdown))
	}
	if breakdown[0].Severity != schema.SeverityHigh || breakdown[0].Count != 2 {
		t.Errorf("first bucket = %+v", breakdown[0])
	}
	if breakdown[1].Severity != schema.SeverityInfo || breakdown[1].Count != 8 {
		t.Errorf("second bucket = %+v", breakdown[1])
	}
}

func TestMemoryStore_ClosedRejectsWrites(t *testing.T) {
	store := NewMemoryStore()
	store.Close()
	err := store.InsertEvents(context.Background(), []*schema.LogEvent{{ID: uuid.New()}})
	if err == nil {
		t.Fatal("expected error writing to closed store")
	}
}
