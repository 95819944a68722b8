package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"argus-siem/internal/api"
	"argus-siem/internal/consumer"
	"argus-siem/internal/detect"
	"argus-siem/internal/gen"
	"argus-siem/internal/ingest"
	"argus-siem/internal/query"
	"argus-siem/internal/queue"
	"argus-siem/internal/rules"
	"argus-siem/internal/schema"
	"argus-siem/internal/storage"
)

// harness wires the full pipeline against in-memory storage: HTTP ingest,
// detection engine, persistence queues, consumers, and the query API.
type harness struct {
	engine        *detect.Engine
	store         *storage.MemoryStore
	mux           *http.ServeMux
	eventQueue    *queue.RingBuffer[*schema.LogEvent]
	alertQueue    *queue.RingBuffer[*detect.Alert]
	eventConsumer *consumer.Consumer[*schema.LogEvent]
	alertConsumer *consumer.Consumer[*detect.Alert]
	eventWriter   *storage.BatchWriter[*schema.LogEvent]
	alertWriter   *storage.BatchWriter[*detect.Alert]
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()

	engine, err := detect.New(detect.DefaultConfig(), rules.Defaults())
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	store := storage.NewMemoryStore()
	eventQueue := queue.NewRingBuffer[*schema.LogEvent](1000)
	alertQueue := queue.NewRingBuffer[*detect.Alert](100)

	bwCfg := storage.BatchWriterConfig{
		BatchSize:     4,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    1,
		RetryDelay:    10 * time.Millisecond,
		WriteTimeout:  time.Second,
	}
	eventWriter := storage.NewBatchWriter("events", store.InsertEvents, bwCfg)
	alertWriter := storage.NewBatchWriter("alerts", store.InsertAlerts, bwCfg)

	conCfg := consumer.Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 200 * time.Millisecond,
	}
	eventConsumer := consumer.New("events", eventQueue, eventWriter, conCfg)
	alertConsumer := consumer.New("alerts", alertQueue, alertWriter, conCfg)

	engine.Start(ctx)
	eventConsumer.Start(ctx)
	alertConsumer.Start(ctx)

	pipeline := ingest.NewPipeline(engine, eventQueue, alertQueue)
	ingestHandler := ingest.NewHandler(pipeline).WithMaxPayload(1 << 20).WithMaxBatch(100)
	apiHandler := api.NewHandler(store, engine)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", ingestHandler.HandleUpload)
	apiHandler.Register(mux)

	h := &harness{
		engine:        engine,
		store:         store,
		mux:           mux,
		eventQueue:    eventQueue,
		alertQueue:    alertQueue,
		eventConsumer: eventConsumer,
		alertConsumer: alertConsumer,
		eventWriter:   eventWriter,
		alertWriter:   alertWriter,
	}
	t.Cleanup(func() {
		h.engine.Stop()
		h.eventConsumer.Stop()
		h.alertConsumer.Stop()
		h.eventWriter.Close()
		h.alertWriter.Close()
		h.eventQueue.Close()
		h.alertQueue.Close()
	})
	return h
}

func (h *harness) post(t *testing.T, records []map[string]any) (ingest.UploadResponse, int) {
	t.Helper()
	body, _ := json.Marshal(ingest.UploadRequest{Records: records})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	var resp ingest.UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload response: %v (%s)", err, rec.Body.String())
	}
	return resp, rec.Code
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestPipeline_IngestDetectPersistQuery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, ctx)

	var handled []*detect.Alert
	var mu sync.Mutex
	h.engine.AddHandler(func(_ context.Context, alert *detect.Alert) error {
		mu.Lock()
		handled = append(handled, alert)
		mu.Unlock()
		return nil
	})

	// Five failures from one source crosses the brute-force threshold.
	records := make([]map[string]any, 0, 5)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		records = append(records, map[string]any{
			"timestamp":  now.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			"source":     "auth-service",
			"event_type": "auth_failure",
			"severity":   "medium",
			"src_ip":     "203.0.113.66",
			"message":    fmt.Sprintf("failed login attempt %d", i+1),
		})
	}

	resp, code := h.post(t, records)
	if code != http.StatusOK {
		t.Fatalf("upload status = %d", code)
	}
	if resp.Accepted != 5 || resp.Rejected != 0 {
		t.Fatalf("accepted %d, rejected %d", resp.Accepted, resp.Rejected)
	}
	if resp.Alerts != 1 {
		t.Fatalf("alerts = %d, want 1", resp.Alerts)
	}

	// The async handler sees the same alert.
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	})
	mu.Lock()
	alert := handled[0]
	mu.Unlock()
	if alert.RuleID != "brute-force" {
		t.Errorf("rule_id = %q", alert.RuleID)
	}
	if alert.Key != "203.0.113.66" {
		t.Errorf("key = %q", alert.Key)
	}
	if len(alert.TriggeringEventIDs) != 5 {
		t.Errorf("triggering event ids = %d, want 5", len(alert.TriggeringEventIDs))
	}

	// Events and the alert drain through the consumers into storage.
	waitFor(t, 3*time.Second, func() bool {
		events, _ := h.store.CountEvents(ctx, query.EventFilter{})
		alerts, _ := h.store.CountAlerts(ctx, query.AlertFilter{})
		return events == 5 && alerts == 1
	})

	// And the query surface serves them back, newest first.
	req := httptest.NewRequest(http.MethodGet, "/v1/alerts?rule_id=brute-force&min_severity=high", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts query status = %d", rec.Code)
	}
	var alertsResp api.AlertsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &alertsResp); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if alertsResp.Count != 1 {
		t.Fatalf("alert count = %d, want 1", alertsResp.Count)
	}
	if alertsResp.Alerts[0].Key != "203.0.113.66" {
		t.Errorf("stored alert key = %q", alertsResp.Alerts[0].Key)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/events?event_type=auth_failure", nil)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	var eventsResp api.EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &eventsResp); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if eventsResp.Count != 5 {
		t.Errorf("event count = %d, want 5", eventsResp.Count)
	}
}

func TestPipeline_CriticalPassthrough(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, ctx)

	records := make([]map[string]any, 0, 3)
	for i := 0; i < 3; i++ {
		records = append(records, map[string]any{
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
			"source":     "ids-01",
			"event_type": "ids_alert",
			"severity":   "critical",
			"src_ip":     "198.51.100.7",
			"message":    "exploit signature matched",
		})
	}

	resp, code := h.post(t, records)
	if code != http.StatusOK {
		t.Fatalf("upload status = %d", code)
	}
	// No deduplication: every critical event fires.
	if resp.Alerts != 3 {
		t.Errorf("alerts = %d, want 3", resp.Alerts)
	}
}

func TestPipeline_GeneratorTraffic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, ctx)

	pipeline := ingest.NewPipeline(h.engine, h.eventQueue, h.alertQueue)
	cfg := gen.DefaultConfig()
	cfg.Seed = 42
	cfg.AttackPercent = 30
	g := gen.New(cfg, gen.SinkFunc(func(record map[string]any) error {
		_, err := pipeline.Process(record)
		return err
	}))

	now := time.Now().UTC()
	for i := 0; i < 500; i++ {
		record := g.Next(now.Add(time.Duration(i) * 100 * time.Millisecond))
		if _, err := pipeline.Process(record); err != nil {
			t.Fatalf("record %d rejected: %v", i, err)
		}
	}

	stats := h.engine.Stats()
	processed, _ := stats["events_processed"].(uint64)
	if processed != 500 {
		t.Errorf("events_processed = %d, want 500", processed)
	}

	// Sustained attacker traffic should have crossed at least one threshold.
	emitted, _ := stats["alerts_emitted"].(uint64)
	if emitted == 0 {
		t.Error("no alerts from generated attack traffic")
	}
}
