// Package ingest feeds raw log records into the detection engine and the
// persistence queues, over HTTP batch upload or a Kafka live feed.
package ingest

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"argus-siem/internal/detect"
	"argus-siem/internal/queue"
	"argus-siem/internal/schema"
)

// Pipeline is the shared ingestion path: normalize, detect, enqueue for
// persistence. Both the HTTP handler and the Kafka source go through it.
type Pipeline struct {
	engine *detect.Engine
	events *queue.RingBuffer[*schema.LogEvent]
	alerts *queue.RingBuffer[*detect.Alert]
	now    func() time.Time

	// Metrics
	recordsIn     uint64
	recordsBad    uint64
	eventsDropped uint64
	alertsDropped uint64
}

// NewPipeline wires the engine and persistence queues into one path.
// The alert queue may be nil when alerts are persisted through an engine
// handler instead.
func NewPipeline(engine *detect.Engine, events *queue.RingBuffer[*schema.LogEvent], alerts *queue.RingBuffer[*detect.Alert]) *Pipeline {
	return &Pipeline{
		engine: engine,
		events: events,
		alerts: alerts,
		now:    time.Now,
	}
}

// Result is the outcome of processing one record.
type Result struct {
	Event    *schema.LogEvent
	Warnings []schema.FieldWarning
	Alerts   []*detect.Alert
}

// Process normalizes one raw record, runs detection, and enqueues the
// event and any resulting alerts for persistence. Field-level problems
// degrade into warnings; only a structurally unreadable record fails.
func (p *Pipeline) Process(record map[string]any) (Result, error) {
	atomic.AddUint64(&p.recordsIn, 1)

	event, warnings, err := schema.Normalize(record, p.now().UTC())
	if err != nil {
		atomic.AddUint64(&p.recordsBad, 1)
		return Result{}, err
	}

	alerts := p.engine.Ingest(event)

	if p.events != nil {
		if err := p.events.Push(event); err != nil {
			atomic.AddUint64(&p.eventsDropped, 1)
			if !errors.Is(err, queue.ErrQueueFull) {
				slog.Warn("event enqueue failed", "event_id", event.ID, "error", err)
			}
		}
	}
	if p.alerts != nil {
		for _, alert := range alerts {
			if err := p.alerts.Push(alert); err != nil {
				atomic.AddUint64(&p.alertsDropped, 1)
				slog.Warn("alert enqueue failed", "alert_id", alert.ID, "error", err)
			}
		}
	}

	return Result{Event: event, Warnings: warnings, Alerts: alerts}, nil
}

// PipelineMetrics holds ingestion pipeline statistics.
type PipelineMetrics struct {
	RecordsIn     uint64 `json:"records_in"`
	RecordsBad    uint64 `json:"records_bad"`
	EventsDropped uint64 `json:"events_dropped"`
	AlertsDropped uint64 `json:"alerts_dropped"`
}

// Metrics returns pipeline statistics.
func (p *Pipeline) Metrics() PipelineMetrics {
	return PipelineMetrics{
		RecordsIn:     atomic.LoadUint64(&p.recordsIn),
		RecordsBad:    atomic.LoadUint64(&p.recordsBad),
		EventsDropped: atomic.LoadUint64(&p.eventsDropped),
		AlertsDropped: atomic.LoadUint64(&p.alertsDropped),
	}
}
