package gen

import (
	"context"
	"testing"
	"time"
)

func TestGenerator_NextProducesValidRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 1
	g := New(cfg, SinkFunc(func(map[string]any) error { return nil }))

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		record := g.Next(now)
		if record["timestamp"] == nil || record["event_type"] == nil {
			t.Fatalf("record %d missing required fields: %v", i, record)
		}
		if record["src_ip"] == nil {
			t.Fatalf("record %d missing src_ip: %v", i, record)
		}
		if record["event_type"] == "connection" {
			if _, ok := record["dst_port"].(int); !ok {
				t.Fatalf("connection record %d missing dst_port: %v", i, record)
			}
		}
	}
}

func TestGenerator_MixContainsAttackScenarios(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 7
	cfg.AttackPercent = 50
	g := New(cfg, SinkFunc(func(map[string]any) error { return nil }))

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	kinds := map[string]int{}
	for i := 0; i < 2000; i++ {
		record := g.Next(now)
		severity, _ := record["severity"].(string)
		eventType, _ := record["event_type"].(string)
		kinds[eventType]++
		if severity == "critical" {
			kinds["critical"]++
		}
	}

	if kinds["auth_failure"] == 0 {
		t.Error("mix never produced auth failures")
	}
	if kinds["connection"] == 0 {
		t.Error("mix never produced connections")
	}
	if kinds["critical"] == 0 {
		t.Error("mix never produced critical events")
	}
}

func TestGenerator_PortScanPortsAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 3
	g := New(cfg, SinkFunc(func(map[string]any) error { return nil }))

	a := &attacker{ip: "185.220.0.1", scenario: scenarioPortScan, nextPort: 100}
	g.attackers = []*attacker{a}
	g.config.AttackPercent = 100

	now := time.Now().UTC()
	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		record := g.attackRecord(now)
		port := record["dst_port"].(int)
		if seen[port] {
			t.Fatalf("port %d repeated; scan should sweep distinct ports", port)
		}
		seen[port] = true
	}
}

func TestGenerator_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rate = 200
	cfg.Seed = 5

	delivered := make(chan struct{}, 1)
	g := New(cfg, SinkFunc(func(map[string]any) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("generator never delivered a record")
	}

	g.Stop()
	if g.Emitted() == 0 {
		t.Error("emitted counter is zero")
	}

	// Stop twice is harmless.
	g.Stop()
}
