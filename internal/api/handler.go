// Package api serves the query surface: filtered, paginated reads over
// stored events and alerts, plus operational stats.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"argus-siem/internal/detect"
	"argus-siem/internal/query"
	"argus-siem/internal/schema"
	"argus-siem/internal/storage"
)

// Handler serves the read-side HTTP API.
type Handler struct {
	store  storage.Store
	engine *detect.Engine
	now    func() time.Time
}

// NewHandler creates a Handler over the store. The engine may be nil when
// only stored data is served.
func NewHandler(store storage.Store, engine *detect.Engine) *Handler {
	return &Handler{
		store:  store,
		engine: engine,
		now:    time.Now,
	}
}

// Register mounts the query surface on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/alerts", h.HandleAlerts)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
}

// EventsResponse is the paginated events payload.
type EventsResponse struct {
	Events []*schema.LogEvent `json:"events"`
	Count  int                `json:"count"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// HandleEvents handles GET /v1/events.
//
// Filters: since, until (RFC 3339 or now-1h style), source, event_type,
// min_severity, q (free text over message and source IP). All given
// filters must hold. An empty result is a 200 with an empty list.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	filter, page, err := h.parseEventQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	events, err := h.store.Events(r.Context(), filter, page)
	if err != nil {
		slog.Error("event query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "query_failed", "event query failed")
		return
	}
	if events == nil {
		events = []*schema.LogEvent{}
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Events: events,
		Count:  len(events),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// AlertsResponse is the paginated alerts payload.
type AlertsResponse struct {
	Alerts []*detect.Alert `json:"alerts"`
	Count  int             `json:"count"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// HandleAlerts handles GET /v1/alerts.
//
// Filters: since, until, rule_id, key, min_severity, q.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	filter, page, err := h.parseAlertQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	alerts, err := h.store.Alerts(r.Context(), filter, page)
	if err != nil {
		slog.Error("alert query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "query_failed", "alert query failed")
		return
	}
	if alerts == nil {
		alerts = []*detect.Alert{}
	}

	writeJSON(w, http.StatusOK, AlertsResponse{
		Alerts: alerts,
		Count:  len(alerts),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// StatsResponse summarizes stored data and engine state.
type StatsResponse struct {
	TotalEvents       uint64                  `json:"total_events"`
	TotalAlerts       uint64                  `json:"total_alerts"`
	SeverityBreakdown []storage.SeverityCount `json:"severity_breakdown"`
	Engine            map[string]any          `json:"engine,omitempty"`
	GeneratedAt       time.Time               `json:"generated_at"`
}

// HandleStats handles GET /v1/stats. The optional since filter scopes the
// counts and breakdown.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	var filter query.EventFilter
	since, err := query.ParseTimeBound(r.URL.Query().Get("since"), h.now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	filter.Since = since

	ctx := r.Context()
	totalEvents, err := h.store.CountEvents(ctx, filter)
	if err != nil {
		slog.Error("stats query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "query_failed", "stats query failed")
		return
	}
	totalAlerts, err := h.store.CountAlerts(ctx, query.AlertFilter{Since: since})
	if err != nil {
		slog.Error("stats query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "query_failed", "stats query failed")
		return
	}
	breakdown, err := h.store.EventSeverityBreakdown(ctx, filter)
	if err != nil {
		slog.Error("stats query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "query_failed", "stats query failed")
		return
	}

	resp := StatsResponse{
		TotalEvents:       totalEvents,
		TotalAlerts:       totalAlerts,
		SeverityBreakdown: breakdown,
		GeneratedAt:       h.now().UTC(),
	}
	if h.engine != nil {
		resp.Engine = h.engine.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseEventQuery(r *http.Request) (query.EventFilter, query.Page, error) {
	q := r.URL.Query()
	var filter query.EventFilter

	since, err := query.ParseTimeBound(q.Get("since"), h.now())
	if err != nil {
		return filter, query.Page{}, err
	}
	until, err := query.ParseTimeBound(q.Get("until"), h.now())
	if err != nil {
		return filter, query.Page{}, err
	}
	filter.Since = since
	filter.Until = until
	filter.Source = q.Get("source")
	filter.EventType = q.Get("event_type")
	filter.Text = q.Get("q")

	if raw := q.Get("min_severity"); raw != "" {
		severity, ok := schema.ParseSeverity(raw)
		if !ok {
			return filter, query.Page{}, fmt.Errorf("unknown severity %q", raw)
		}
		filter.MinSeverity = &severity
	}

	page, err := parsePage(r)
	return filter, page, err
}

func (h *Handler) parseAlertQuery(r *http.Request) (query.AlertFilter, query.Page, error) {
	q := r.URL.Query()
	var filter query.AlertFilter

	since, err := query.ParseTimeBound(q.Get("since"), h.now())
	if err != nil {
		return filter, query.Page{}, err
	}
	until, err := query.ParseTimeBound(q.Get("until"), h.now())
	if err != nil {
		return filter, query.Page{}, err
	}
	filter.Since = since
	filter.Until = until
	filter.RuleID = q.Get("rule_id")
	filter.Key = q.Get("key")
	filter.Text = q.Get("q")

	if raw := q.Get("min_severity"); raw != "" {
		severity, ok := schema.ParseSeverity(raw)
		if !ok {
			return filter, query.Page{}, fmt.Errorf("unknown severity %q", raw)
		}
		filter.MinSeverity = &severity
	}

	page, err := parsePage(r)
	return filter, page, err
}

func parsePage(r *http.Request) (query.Page, error) {
	var page query.Page
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return page, fmt.Errorf("invalid limit %q", raw)
		}
		page.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return page, fmt.Errorf("invalid offset %q", raw)
		}
		page.Offset = offset
	}
	return page.Normalize(), nil
}

// APIError is a structured error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}
