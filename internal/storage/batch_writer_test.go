package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]int
	fail    int
}

func (c *captureSink) write(ctx context.Context, rows []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("transient failure")
	}
	batch := append([]int(nil), rows...)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriter_FlushesAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultBatchWriterConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour

	bw := NewBatchWriter("test", sink.write, cfg)
	defer bw.Close()

	for i := 0; i < 7; i++ {
		if err := bw.Write(i); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	sink.mu.Lock()
	batches := len(sink.batches)
	sink.mu.Unlock()
	if batches != 2 {
		t.Errorf("got %d batches, want 2", batches)
	}
	if got := sink.total(); got != 6 {
		t.Errorf("sink received %d rows, want 6", got)
	}

	metrics := bw.Metrics()
	if metrics.Pending != 1 {
		t.Errorf("pending = %d, want 1", metrics.Pending)
	}
}

func TestBatchWriter_CloseFlushesRemainder(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultBatchWriterConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour

	bw := NewBatchWriter("test", sink.write, cfg)
	for i := 0; i < 5; i++ {
		bw.Write(i)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := sink.total(); got != 5 {
		t.Errorf("sink received %d rows, want 5", got)
	}

	if err := bw.Write(99); err == nil {
		t.Error("expected write after close to fail")
	}
}

func TestBatchWriter_RetriesTransientFailure(t *testing.T) {
	sink := &captureSink{fail: 2}
	cfg := BatchWriterConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		WriteTimeout:  time.Second,
	}

	bw := NewBatchWriter("test", sink.write, cfg)
	defer bw.Close()

	bw.Write(1)
	if err := bw.Write(2); err != nil {
		t.Fatalf("flush with retries error = %v", err)
	}
	if got := sink.total(); got != 2 {
		t.Errorf("sink received %d rows, want 2", got)
	}

	metrics := bw.Metrics()
	if metrics.Written != 2 || metrics.Failed != 0 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestBatchWriter_ExhaustedRetriesCountFailed(t *testing.T) {
	sink := &captureSink{fail: 100}
	cfg := BatchWriterConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		WriteTimeout:  time.Second,
	}

	bw := NewBatchWriter("test", sink.write, cfg)
	defer bw.Close()

	if err := bw.Write(1); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if metrics := bw.Metrics(); metrics.Failed != 1 {
		t.Errorf("failed = %d, want 1", metrics.Failed)
	}
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	sink := &captureSink{}
	cfg := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		WriteTimeout:  time.Second,
	}

	bw := NewBatchWriter("test", sink.write, cfg)
	defer bw.Close()

	bw.Write(1)
	bw.Write(2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.total() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("timer flush never delivered rows, sink has %d", sink.total())
}
