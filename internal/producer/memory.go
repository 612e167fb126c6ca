package producer

import (
	"context"
	"sync"
)

// Memory buffers records in process memory. Enqueued records are visible to
// Records() at once and Flush is a no-op -- there is no external sink to
// wait on, which makes it useful for tests and for evaluating the daemon
// before wiring a real downstream.
type Memory struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

// NewMemory returns an empty Memory producer.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Enqueue(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) Flush(_ context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Records returns a snapshot of everything enqueued so far, in order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
