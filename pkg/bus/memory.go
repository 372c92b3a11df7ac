package bus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryHub is an in-process broker. Every Conn dialed from the same hub sees
// the others' publishes, which makes it usable both for a single-instance
// deployment and for simulating several gateway instances in tests.
type MemoryHub struct {
	mu    sync.RWMutex
	conns map[*memoryConn]struct{}
	down  bool

	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{conns: make(map[*memoryConn]struct{})}
}

var _ Dialer = (*MemoryHub)(nil)

func (h *MemoryHub) Name() string { return "memory" }

func (h *MemoryHub) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrUnavailable
	}
	c := &memoryConn{
		hub:    h,
		topics: make(map[string]struct{}),
		msgs:   make(chan Message, messageBuffer),
		done:   make(chan struct{}),
	}
	h.conns[c] = struct{}{}
	return c, nil
}

// Drop severs every connection and refuses new dials until Restore.
func (h *MemoryHub) Drop() {
	h.mu.Lock()
	h.down = true
	conns := make([]*memoryConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	clear(h.conns)
	h.mu.Unlock()

	for _, c := range conns {
		c.fail(ErrConnectionLost)
	}
}

func (h *MemoryHub) Restore() {
	h.mu.Lock()
	h.down = false
	h.mu.Unlock()
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *MemoryHub) publish(topic string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.down {
		return ErrUnavailable
	}
	for c := range h.conns {
		if !c.subscribed(topic) {
			continue
		}
		msg := Message{Topic: topic, Data: slices.Clone(data)}
		select {
		case c.msgs <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) remove(c *memoryConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type memoryConn struct {
	hub *MemoryHub

	mu     sync.RWMutex
	topics map[string]struct{}

	msgs     chan Message
	done     chan struct{}
	failOnce sync.Once
	err      error
}

func (c *memoryConn) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *memoryConn) Publish(_ context.Context, topic string, data []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	return c.hub.publish(topic, data)
}

func (c *memoryConn) Subscribe(_ context.Context, topics ...string) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return nil
}

func (c *memoryConn) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	return nil
}

func (c *memoryConn) Messages() <-chan Message { return c.msgs }
func (c *memoryConn) Done() <-chan struct{}    { return c.done }

func (c *memoryConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *memoryConn) Close() error {
	c.hub.remove(c)
	c.fail(ErrClosed)
	return nil
}

func (c *memoryConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
