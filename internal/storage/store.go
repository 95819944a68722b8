package storage

import (
	"context"

	"argus-siem/internal/detect"
	"argus-siem/internal/query"
	"argus-siem/internal/schema"
)

// SeverityCount is one bucket of the severity breakdown.
type SeverityCount struct {
	Severity schema.Severity `json:"severity"`
	Count    uint64          `json:"count"`
}

// Store is the persistence collaborator: append-only batched writes of
// events and alerts, filtered timestamp-descending reads for the query
// surface. An empty result is never an error.
type Store interface {
	InsertEvents(ctx context.Context, events []*schema.LogEvent) error
	InsertAlerts(ctx context.Context, alerts []*detect.Alert) error

	Events(ctx context.Context, filter query.EventFilter, page query.Page) ([]*schema.LogEvent, error)
	Alerts(ctx context.Context, filter query.AlertFilter, page query.Page) ([]*detect.Alert, error)

	CountEvents(ctx context.Context, filter query.EventFilter) (uint64, error)
	CountAlerts(ctx context.Context, filter query.AlertFilter) (uint64, error)

	// EventSeverityBreakdown counts stored events per severity, most
	// severe first.
	EventSeverityBreakdown(ctx context.Context, filter query.EventFilter) ([]SeverityCount, error)

	Close() error
}
