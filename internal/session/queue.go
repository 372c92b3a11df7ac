package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBackpressureOverflow is returned by a full queue under the disconnect policy.
	ErrBackpressureOverflow = errors.New("outbound queue overflow")
	ErrQueueClosed          = errors.New("outbound queue closed")
)

// OverflowPolicy decides what a full queue does with a new frame. One policy
// is configured for the whole gateway.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued frame to make room; the newest
	// Cap() frames are always the ones kept.
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect rejects the frame; the owning session drains and closes.
	Disconnect OverflowPolicy = "disconnect"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, "":
		return DropOldest, nil
	case Disconnect:
		return Disconnect, nil
	default:
		return "", fmt.Errorf("unknown overflow policy '%s' (want '%s' or '%s')", s, DropOldest, Disconnect)
	}
}

// Queue is a bounded FIFO of encoded frames. Push never blocks; a single
// consumer waits on Ready.
type Queue struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	size    int
	closed  bool
	dropped uint64
	policy  OverflowPolicy

	ready chan struct{}
}

func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Queue{
		buf:    make([][]byte, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
	}
}

// Push appends frame, applying the overflow policy when the queue is full.
func (q *Queue) Push(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.size == len(q.buf) {
		if q.policy == Disconnect {
			q.mu.Unlock()
			return ErrBackpressureOverflow
		}
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = frame
	q.size++
	q.mu.Unlock()

	q.signal()
	return nil
}

// TryPop removes the oldest frame without waiting.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 || q.closed {
		return nil, false
	}
	frame := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return frame, true
}

// Pop waits for the next frame, the queue closing, or ctx ending.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := q.TryPop(); ok {
			return frame, nil
		}
		if q.Closed() {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ready fires after a push or close. It may fire spuriously.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close discards queued frames and wakes the consumer. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	clear(q.buf)
	q.size = 0
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped counts frames discarded by the drop-oldest policy.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}
