// Package gen produces simulated security traffic for demos and load
// tests: a benign baseline with interleaved brute-force bursts, port
// sweeps, and occasional critical events.
package gen

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the traffic generator configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Rate is records per second.
	Rate int `yaml:"rate"`
	// AttackPercent is the share of records drawn from attack scenarios.
	AttackPercent int `yaml:"attack_percent"`
	// Seed fixes the random stream; zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Rate:          50,
		AttackPercent: 15,
	}
}

// Sink consumes generated records. Satisfied by the ingest pipeline.
type Sink interface {
	Process(record map[string]any) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(record map[string]any) error

// Process calls f.
func (f SinkFunc) Process(record map[string]any) error { return f(record) }

// attacker is one simulated offender with scenario state, so brute-force
// and scan traffic arrives in bursts the way real attacks do.
type attacker struct {
	ip       string
	scenario int
	nextPort int
}

// Generator emits simulated records into a sink at a fixed rate.
type Generator struct {
	config Config
	sink   Sink
	rng    *rand.Rand

	benignIPs []string
	attackers []*attacker
	sources   []string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	emitted atomic.Uint64
}

const (
	scenarioBruteForce = iota
	scenarioPortScan
	scenarioCritical
)

// New creates a Generator feeding the sink.
func New(cfg Config, sink Sink) *Generator {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultConfig().Rate
	}
	if cfg.AttackPercent < 0 || cfg.AttackPercent > 100 {
		cfg.AttackPercent = DefaultConfig().AttackPercent
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	benign := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		benign = append(benign, fmt.Sprintf("192.168.%d.%d", rng.Intn(4), rng.Intn(253)+1))
	}

	attackers := make([]*attacker, 0, 8)
	for i := 0; i < 8; i++ {
		attackers = append(attackers, &attacker{
			ip:       fmt.Sprintf("185.220.%d.%d", rng.Intn(16), rng.Intn(253)+1),
			scenario: rng.Intn(3),
			nextPort: rng.Intn(1000) + 1,
		})
	}

	return &Generator{
		config:    cfg,
		sink:      sink,
		rng:       rng,
		benignIPs: benign,
		attackers: attackers,
		sources: []string{
			"fw-edge-01", "fw-edge-02", "auth-service", "vpn-gw",
			"db-primary", "web-01", "web-02",
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the emit loop.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run(ctx)

	slog.Info("traffic generator started",
		"rate", g.config.Rate,
		"attack_percent", g.config.AttackPercent)
}

func (g *Generator) run(ctx context.Context) {
	defer g.wg.Done()

	interval := time.Second / time.Duration(g.config.Rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			record := g.Next(time.Now().UTC())
			if err := g.sink.Process(record); err != nil {
				slog.Warn("generated record rejected", "error", err)
				continue
			}
			g.emitted.Add(1)
		}
	}
}

// Next produces one record. Exported so load tests can drive the
// generator without the timer loop.
func (g *Generator) Next(now time.Time) map[string]any {
	if g.rng.Intn(100) < g.config.AttackPercent {
		return g.attackRecord(now)
	}
	return g.benignRecord(now)
}

func (g *Generator) benignRecord(now time.Time) map[string]any {
	srcIP := g.benignIPs[g.rng.Intn(len(g.benignIPs))]
	source := g.sources[g.rng.Intn(len(g.sources))]

	switch g.rng.Intn(4) {
	case 0:
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     source,
			"event_type": "auth_success",
			"severity":   "info",
			"src_ip":     srcIP,
			"message":    "user login succeeded",
		}
	case 1:
		// A stray failure; far below the brute-force threshold.
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     "auth-service",
			"event_type": "auth_failure",
			"severity":   "medium",
			"src_ip":     srcIP,
			"message":    "password mismatch",
		}
	default:
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     source,
			"event_type": "connection",
			"severity":   "info",
			"src_ip":     srcIP,
			"dst_ip":     fmt.Sprintf("10.10.0.%d", g.rng.Intn(253)+1),
			"dst_port":   []int{80, 443, 443, 443, 8080, 22}[g.rng.Intn(6)],
			"message":    "connection established",
		}
	}
}

func (g *Generator) attackRecord(now time.Time) map[string]any {
	a := g.attackers[g.rng.Intn(len(g.attackers))]

	switch a.scenario {
	case scenarioBruteForce:
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     "auth-service",
			"event_type": "auth_failure",
			"severity":   "medium",
			"src_ip":     a.ip,
			"message":    "invalid credentials for user root",
		}
	case scenarioPortScan:
		port := a.nextPort
		a.nextPort++
		if a.nextPort > 65535 {
			a.nextPort = 1
		}
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     "fw-edge-01",
			"event_type": "connection",
			"severity":   "low",
			"src_ip":     a.ip,
			"dst_ip":     "10.10.0.5",
			"dst_port":   port,
			"message":    "connection attempt",
		}
	default:
		return map[string]any{
			"timestamp":  now.Format(time.RFC3339Nano),
			"source":     g.sources[g.rng.Intn(len(g.sources))],
			"event_type": "ids_alert",
			"severity":   "critical",
			"src_ip":     a.ip,
			"message":    "known exploit signature matched",
		}
	}
}

// Stop halts the emit loop.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	close(g.stopCh)
	g.running = false
	g.mu.Unlock()

	g.wg.Wait()
	slog.Info("traffic generator stopped", "emitted", g.emitted.Load())
}

// Emitted returns the number of records emitted so far.
func (g *Generator) Emitted() uint64 {
	return g.emitted.Load()
}
