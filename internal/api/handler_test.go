package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-siem/internal/detect"
	"argus-siem/internal/schema"
	"argus-siem/internal/storage"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	store := storage.NewMemoryStore()

	events := []*schema.LogEvent{
		{
			ID: uuid.New(), Timestamp: base, Source: "auth-service",
			EventType: "auth_failure", Severity: schema.SeverityMedium,
			Message: "failed login for root", SrcIP: "10.0.0.5",
		},
		{
			ID: uuid.New(), Timestamp: base.Add(time.Minute), Source: "fw-edge-01",
			EventType: "connection", Severity: schema.SeverityInfo,
			Message: "connection established", SrcIP: "192.168.1.9",
		},
		{
			ID: uuid.New(), Timestamp: base.Add(2 * time.Minute), Source: "db-primary",
			EventType: "disk_failure", Severity: schema.SeverityCritical,
			Message: "disk failure on volume 2", SrcIP: "10.2.0.1",
		},
	}
	if err := store.InsertEvents(context.Background(), events); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	alerts := []*detect.Alert{
		{
			ID: uuid.New(), RuleID: "brute-force", RuleName: "Brute Force",
			Key: "10.0.0.5", Severity: schema.SeverityHigh,
			Message: "Possible brute force from 10.0.0.5", CreatedAt: base.Add(time.Minute),
		},
	}
	if err := store.InsertAlerts(context.Background(), alerts); err != nil {
		t.Fatalf("seed alerts: %v", err)
	}

	h := NewHandler(store, nil)
	h.now = func() time.Time { return base.Add(time.Hour) }
	mux := http.NewServeMux()
	h.Register(mux)
	return h, mux
}

func get(t *testing.T, mux *http.ServeMux, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleEvents_All(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 3 {
		t.Fatalf("count = %d, want 3", resp.Count)
	}
	// Newest first.
	if resp.Events[0].EventType != "disk_failure" {
		t.Errorf("first event = %q, want newest", resp.Events[0].EventType)
	}
}

func TestHandleEvents_Filtered(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/events?event_type=auth_failure&min_severity=medium")
	var resp EventsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Events[0].Source != "auth-service" {
		t.Errorf("response = %+v", resp)
	}

	rec = get(t, mux, "/v1/events?q=root")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("free text matched %d events, want 1", resp.Count)
	}
}

func TestHandleEvents_EmptyResultIsOK(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/events?source=absent-host")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for empty result", rec.Code)
	}
	var resp EventsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 0 || resp.Events == nil {
		t.Errorf("want empty, non-nil list; got %+v", resp)
	}
}

func TestHandleEvents_RelativeTimeBound(t *testing.T) {
	_, mux := newTestHandler(t)

	// now is base+1h; only the event at base+2m is at or after now-58m.
	rec := get(t, mux, "/v1/events?since=now-58m")
	var resp EventsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestHandleEvents_BadFilters(t *testing.T) {
	_, mux := newTestHandler(t)

	for _, url := range []string{
		"/v1/events?since=whenever",
		"/v1/events?min_severity=apocalyptic",
		"/v1/events?limit=abc",
	} {
		if rec := get(t, mux, url); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, rec.Code)
		}
	}
}

func TestHandleAlerts(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/alerts?rule_id=brute-force")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp AlertsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Alerts[0].Key != "10.0.0.5" {
		t.Errorf("response = %+v", resp)
	}

	rec = get(t, mux, "/v1/alerts?rule_id=port-scan")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Count != 0 {
		t.Errorf("empty alert result: status %d, count %d", rec.Code, resp.Count)
	}
}

func TestHandleStats(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalEvents != 3 || resp.TotalAlerts != 1 {
		t.Errorf("totals = %d events, %d alerts", resp.TotalEvents, resp.TotalAlerts)
	}
	if len(resp.SeverityBreakdown) == 0 {
		t.Error("severity breakdown empty")
	}
	if resp.SeverityBreakdown[0].Severity != schema.SeverityCritical {
		t.Errorf("breakdown not ordered most severe first: %+v", resp.SeverityBreakdown)
	}
}

func TestHandleEvents_Pagination(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := get(t, mux, "/v1/events?limit=2")
	var first EventsResponse
	json.Unmarshal(rec.Body.Bytes(), &first)

	rec = get(t, mux, "/v1/events?limit=2&offset=2")
	var second EventsResponse
	json.Unmarshal(rec.Body.Bytes(), &second)

	if first.Count != 2 || second.Count != 1 {
		t.Errorf("page counts = %d, %d", first.Count, second.Count)
	}
}
