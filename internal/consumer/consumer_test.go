package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus-siem/internal/queue"
)

type recordingWriter struct {
	mu      sync.Mutex
	rows    []int
	flushed bool
	failN   int
}

func (w *recordingWriter) Write(row int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return errors.New("write failure")
	}
	w.rows = append(w.rows, row)
	return nil
}

func (w *recordingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestConsumer_DrainsQueue(t *testing.T) {
	q := queue.NewRingBuffer[int](64)
	w := &recordingWriter{}
	c := New("events", q, w, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 20; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push error = %v", err)
		}
	}

	waitFor(t, func() bool { return w.count() == 20 })
	c.Stop()

	if !w.flushed {
		t.Error("Stop did not flush the writer")
	}
	if m := c.Metrics(); m.Consumed != 20 || m.Errors != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestConsumer_WriteErrorsCountedNotFatal(t *testing.T) {
	q := queue.NewRingBuffer[int](64)
	w := &recordingWriter{failN: 3}
	cfg := DefaultConfig()
	cfg.Workers = 1
	c := New("events", q, w, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 10; i++ {
		q.Push(i)
	}

	waitFor(t, func() bool { return w.count() == 7 })
	c.Stop()

	if m := c.Metrics(); m.Errors != 3 || m.Consumed != 7 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestConsumer_StopsOnQueueClose(t *testing.T) {
	q := queue.NewRingBuffer[int](64)
	w := &recordingWriter{}
	c := New("events", q, w, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	q.Push(1)
	waitFor(t, func() bool { return w.count() == 1 })

	q.Close()
	// Workers should exit on their own; Stop must not hang.
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung after queue close")
	}
}
