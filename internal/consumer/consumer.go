// Package consumer drains queues into storage batch writers.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"argus-siem/internal/queue"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Writer is the consumer's output. Satisfied by storage.BatchWriter.
type Writer[T any] interface {
	Write(row T) error
	Flush() error
}

// Consumer moves items from a ring buffer into a batch writer with a
// small worker pool.
type Consumer[T any] struct {
	name   string
	queue  *queue.RingBuffer[T]
	writer Writer[T]
	config Config

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	errs     uint64
}

// New creates a Consumer. The name appears in logs.
func New[T any](name string, q *queue.RingBuffer[T], w Writer[T], cfg Config) *Consumer[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer[T]{
		name:   name,
		queue:  q,
		writer: w,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start launches the consumer workers.
func (c *Consumer[T]) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	slog.Info("queue consumer started", "consumer", c.name, "workers", c.config.Workers)
}

func (c *Consumer[T]) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
			item, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if errors.Is(err, queue.ErrQueueEmpty) {
					continue
				}
				if errors.Is(err, queue.ErrQueueClosed) {
					return
				}
				slog.Warn("unexpected queue error",
					"consumer", c.name, "worker_id", id, "error", err)
				atomic.AddUint64(&c.errs, 1)
				continue
			}

			if err := c.writer.Write(item); err != nil {
				slog.Error("failed to write item",
					"consumer", c.name, "worker_id", id, "error", err)
				atomic.AddUint64(&c.errs, 1)
				continue
			}
			atomic.AddUint64(&c.consumed, 1)
		}
	}
}

// Stop stops the workers, waits up to ShutdownWait, and flushes the
// writer.
func (c *Consumer[T]) Stop() {
	close(c.done)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped", "consumer", c.name)
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out", "consumer", c.name)
	}

	if err := c.writer.Flush(); err != nil {
		slog.Error("final flush failed", "consumer", c.name, "error", err)
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}

// Metrics returns consumer statistics.
func (c *Consumer[T]) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errs),
	}
}
