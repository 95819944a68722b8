// Package detect implements the detection engine: it feeds normalized
// events through the configured rule set, maintains sliding-window state
// per (rule, key), and emits deduplicated alerts.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"argus-siem/internal/rules"
	"argus-siem/internal/schema"
	"argus-siem/internal/window"
)

// AlertHandler is called asynchronously for every emitted alert.
type AlertHandler func(context.Context, *Alert) error

// Config configures the detection engine.
type Config struct {
	// StateCleanupFreq is how often stale window state is collected.
	StateCleanupFreq time.Duration `yaml:"state_cleanup_freq"`
	// AlertBuffer is the capacity of the handler dispatch channel.
	AlertBuffer int `yaml:"alert_buffer"`
	// MaxWindowEntries caps live (rule, key) window state.
	MaxWindowEntries int `yaml:"max_window_entries"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		StateCleanupFreq: 30 * time.Second,
		AlertBuffer:      1000,
		MaxWindowEntries: 100000,
	}
}

// Engine evaluates every ingested event against the rule set.
//
// Ingest is synchronous and never blocks on I/O: alert handoff to handlers
// (storage, delivery) runs on a separate dispatcher goroutine behind a
// buffered channel, so a slow persistence layer cannot stall detection.
type Engine struct {
	config Config
	rules  []*rules.Rule
	store  *window.Store

	handlers []AlertHandler
	mu       sync.RWMutex

	alertCh chan *Alert
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	// now is swappable for deterministic tests.
	now func() time.Time

	// Metrics (accessed atomically)
	eventsProcessed uint64
	alertsEmitted   uint64
	alertsDropped   uint64
	ruleFaults      uint64
}

// New creates an Engine for the given rule set. Every rule is validated
// up front; an invalid rule is a fatal configuration error and no
// ingestion may begin.
func New(cfg Config, ruleSet []*rules.Rule) (*Engine, error) {
	if cfg.StateCleanupFreq <= 0 {
		cfg.StateCleanupFreq = DefaultConfig().StateCleanupFreq
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = DefaultConfig().AlertBuffer
	}

	for _, rule := range ruleSet {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule configuration: %w", err)
		}
	}

	return &Engine{
		config:  cfg,
		rules:   ruleSet,
		store:   window.NewStore(window.StoreConfig{MaxEntries: cfg.MaxWindowEntries}),
		alertCh: make(chan *Alert, cfg.AlertBuffer),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}, nil
}

// AddHandler registers an alert handler. Handlers run on the dispatcher
// goroutine, in registration order.
func (e *Engine) AddHandler(handler AlertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Start launches the alert dispatcher and the state cleanup loop.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(2)
	go e.alertDispatcher(ctx)
	go e.stateCleanup(ctx)

	slog.Info("detection engine started", "rules", len(e.rules))
}

// Stop drains in-flight alert dispatch and stops background loops.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("detection engine stopped")
}

// Ingest feeds one normalized event through every enabled rule and returns
// the alerts newly fired as a direct causal result of this event.
//
// Ingest never fails for a well-formed LogEvent: a rule whose evaluation
// panics is skipped for that event and logged, and the remaining rules
// still run. Ingest calls are causally independent; re-ingesting an
// already-processed batch is not idempotent and will count events again.
func (e *Engine) Ingest(event *schema.LogEvent) []*Alert {
	atomic.AddUint64(&e.eventsProcessed, 1)

	var alerts []*Alert
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if alert := e.evaluateRule(rule, event); alert != nil {
			alerts = append(alerts, alert)
		}
	}

	for _, alert := range alerts {
		e.dispatch(alert)
	}
	return alerts
}

// IngestBatch applies Ingest to each event in input order and aggregates
// all alerts. A fault evaluating one event never stops the rest of the
// batch.
func (e *Engine) IngestBatch(events []*schema.LogEvent) []*Alert {
	var alerts []*Alert
	for _, event := range events {
		alerts = append(alerts, e.Ingest(event)...)
	}
	return alerts
}

// evaluateRule runs one rule over one event, recovering from evaluation
// faults so a bad rule cannot abort ingestion.
func (e *Engine) evaluateRule(rule *rules.Rule, event *schema.LogEvent) (alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&e.ruleFaults, 1)
			slog.Error("rule evaluation fault, skipping rule for this event",
				"rule_id", rule.ID,
				"event_id", event.ID,
				"panic", r)
			alert = nil
		}
	}()

	if !rule.Matches(event) {
		return nil
	}

	now := e.now()

	if rule.Kind == rules.KindImmediate {
		// A single matching event is independently significant: fire on
		// every occurrence, no deduplication.
		key := rule.Key(event)
		if key == "" {
			key = event.Source
		}
		return &Alert{
			ID:                 uuid.New(),
			RuleID:             rule.ID,
			RuleName:           rule.Name,
			Key:                key,
			Severity:           rule.ResultSeverity(),
			Message:            rule.RenderMessage(key, 1),
			CreatedAt:          now,
			TriggeringEventIDs: []uuid.UUID{event.ID},
		}
	}

	key := rule.Key(event)
	if key == "" {
		// Keying attribute absent; the event cannot be grouped.
		return nil
	}

	value := ""
	if rule.Aggregate == rules.AggregateDistinct {
		value = rule.DistinctValue(event)
		if value == "" {
			return nil
		}
	}

	result := e.store.Observe(rule.ID, key, value, event.ID.String(), event.Timestamp, now, window.Options{
		Window:    rule.Window,
		Distinct:  rule.Aggregate == rules.AggregateDistinct,
		Threshold: rule.Threshold,
		Cooldown:  rule.Cooldown,
	})
	if !result.Fired {
		return nil
	}

	return &Alert{
		ID:                 uuid.New(),
		RuleID:             rule.ID,
		RuleName:           rule.Name,
		Key:                key,
		Severity:           rule.ResultSeverity(),
		Message:            rule.RenderMessage(key, result.Size),
		CreatedAt:          now,
		TriggeringEventIDs: parseEventIDs(result.EventIDs),
	}
}

func parseEventIDs(ids []string) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	parsed := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			parsed = append(parsed, u)
		}
	}
	return parsed
}

// dispatch hands an alert to the dispatcher without blocking ingestion.
func (e *Engine) dispatch(alert *Alert) {
	atomic.AddUint64(&e.alertsEmitted, 1)
	select {
	case e.alertCh <- alert:
	default:
		atomic.AddUint64(&e.alertsDropped, 1)
		slog.Warn("alert channel full, dropping alert handoff",
			"rule_id", alert.RuleID, "key", alert.Key)
	}
}

func (e *Engine) alertDispatcher(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			// Drain whatever is buffered before stopping.
			for {
				select {
				case alert := <-e.alertCh:
					e.runHandlers(ctx, alert)
				default:
					return
				}
			}
		case alert := <-e.alertCh:
			e.runHandlers(ctx, alert)
		}
	}
}

func (e *Engine) runHandlers(ctx context.Context, alert *Alert) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, alert); err != nil {
			slog.Error("alert handler failed",
				"rule_id", alert.RuleID,
				"alert_id", alert.ID,
				"error", err)
		}
	}
}

func (e *Engine) stateCleanup(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.StateCleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if evicted := e.store.EvictStale(e.now()); evicted > 0 {
				slog.Debug("evicted stale window state", "entries", evicted)
			}
		}
	}
}

// Rules returns the configured rule set.
func (e *Engine) Rules() []*rules.Rule {
	return e.rules
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"rules_count":      len(e.rules),
		"events_processed": atomic.LoadUint64(&e.eventsProcessed),
		"alerts_emitted":   atomic.LoadUint64(&e.alertsEmitted),
		"alerts_dropped":   atomic.LoadUint64(&e.alertsDropped),
		"rule_faults":      atomic.LoadUint64(&e.ruleFaults),
		"active_windows":   e.store.Len(),
		"alert_queue":      len(e.alertCh),
	}
}
