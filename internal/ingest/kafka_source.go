package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the Kafka live-feed configuration.
type KafkaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// DefaultKafkaConfig returns the default Kafka source configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		Topic:          "argus.events.raw",
		ConsumerGroup:  "argus-siem",
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	}
}

// Validate checks the Kafka configuration.
func (c KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// KafkaSource consumes raw JSON records from a topic and feeds them
// through the ingestion pipeline.
type KafkaSource struct {
	reader   *kafka.Reader
	pipeline *Pipeline
	config   KafkaConfig

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// Metrics
	consumed  uint64
	malformed uint64
}

// NewKafkaSource creates a KafkaSource over the pipeline.
func NewKafkaSource(cfg KafkaConfig, pipeline *Pipeline) (*KafkaSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &KafkaSource{
		reader:   reader,
		pipeline: pipeline,
		config:   cfg,
	}, nil
}

// Start begins consuming in a background goroutine.
func (s *KafkaSource) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("kafka: source already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeLoop(ctx)
	}()

	slog.Info("kafka source started",
		"brokers", s.config.Brokers,
		"topic", s.config.Topic,
		"group", s.config.ConsumerGroup)
	return nil
}

func (s *KafkaSource) consumeLoop(ctx context.Context) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to fetch message",
				"topic", s.config.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		var record map[string]any
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			// A malformed message is committed and skipped; redelivery
			// would fail identically.
			atomic.AddUint64(&s.malformed, 1)
			slog.Warn("malformed kafka record skipped",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		} else if _, err := s.pipeline.Process(record); err != nil {
			atomic.AddUint64(&s.malformed, 1)
			slog.Warn("unreadable kafka record skipped",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err)
		} else {
			atomic.AddUint64(&s.consumed, 1)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("failed to commit offset",
				"offset", msg.Offset, "error", err)
		}
	}
}

// Stop cancels consumption and closes the reader.
func (s *KafkaSource) Stop() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close reader: %w", err)
	}
	slog.Info("kafka source stopped",
		"consumed", atomic.LoadUint64(&s.consumed),
		"malformed", atomic.LoadUint64(&s.malformed))
	return nil
}

// KafkaSourceMetrics holds Kafka source statistics.
type KafkaSourceMetrics struct {
	Consumed  uint64 `json:"consumed"`
	Malformed uint64 `json:"malformed"`
}

// Metrics returns Kafka source statistics.
func (s *KafkaSource) Metrics() KafkaSourceMetrics {
	return KafkaSourceMetrics{
		Consumed:  atomic.LoadUint64(&s.consumed),
		Malformed: atomic.LoadUint64(&s.malformed),
	}
}
