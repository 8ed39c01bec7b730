package broker

import (
	"context"
	"encoding/json"
	"sync"
)

// Queue names the three logical queues of the kernel. Each has a dead-letter
// sibling managed by the implementation.
type Queue string

const (
	QueueJobs      Queue = "jobs"
	QueueTasks     Queue = "tasks"
	QueueStageDone Queue = "stage-done"
)

// Handler processes one delivered message body. Returning nil acknowledges
// the message; returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Broker is the abstract at-least-once message transport. Payloads carry
// identifiers only; consumers load full state from the store by id.
type Broker interface {
	Publish(ctx context.Context, queue Queue, payload interface{}) error
	// Consume blocks, delivering messages from the queue to fn until the
	// context is cancelled. Delivery is at-least-once: duplicates are
	// expected and must be neutralized by the caller's store guards.
	Consume(ctx context.Context, queue Queue, group, consumer string, fn Handler) error
	Close() error
}

// Memory is an in-process Broker for tests. Published messages buffer per
// queue; Deliver pumps them through the registered handler.
type Memory struct {
	mu       sync.Mutex
	buffered map[Queue][][]byte
	handlers map[Queue]Handler
}

func NewMemory() *Memory {
	return &Memory{
		buffered: make(map[Queue][][]byte),
		handlers: make(map[Queue]Handler),
	}
}

func (m *Memory) Publish(ctx context.Context, queue Queue, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffered[queue] = append(m.buffered[queue], raw)
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue Queue, group, consumer string, fn Handler) error {
	m.mu.Lock()
	m.handlers[queue] = fn
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Register installs a handler without blocking, for tests that pump
// deliveries manually.
func (m *Memory) Register(queue Queue, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = fn
}

// Deliver drains the queue through its handler and reports how many
// messages were handled. Messages whose handler errors are dropped.
func (m *Memory) Deliver(ctx context.Context, queue Queue) int {
	m.mu.Lock()
	pending := m.buffered[queue]
	m.buffered[queue] = nil
	fn := m.handlers[queue]
	m.mu.Unlock()
	if fn == nil {
		m.mu.Lock()
		m.buffered[queue] = append(pending, m.buffered[queue]...)
		m.mu.Unlock()
		return 0
	}
	n := 0
	for _, body := range pending {
		if err := fn(ctx, body); err == nil {
			n++
		}
	}
	return n
}

// Published returns copies of the currently buffered messages on a queue.
func (m *Memory) Published(queue Queue) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.buffered[queue]))
	copy(out, m.buffered[queue])
	return out
}

func (m *Memory) Close() error { return nil }
