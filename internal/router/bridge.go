package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/cenkalti/backoff/v4"
)

// ErrBusUnavailable is reported when a publish could not be handed to the
// bus. Local delivery has already happened by then.
var ErrBusUnavailable = bus.ErrUnavailable

type Status int32

const (
	StatusDegraded Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "degraded"
}

type BackoffOptions struct {
	Initial time.Duration
	Max     time.Duration
}

const (
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// Bridge keeps one bus connection alive and mirrors the router's topic set
// onto it. It redials forever with capped exponential backoff and resubscribes
// every wanted topic after each reconnect.
type Bridge struct {
	dialer  bus.Dialer
	backoff BackoffOptions
	logger  *slog.Logger

	// wanted lists the topics that must be subscribed; want answers for one.
	wanted func() []string
	want   func(topic string) bool
	handle func(bus.Message)
	// connected runs after every successful (re)connect.
	connected func()

	connMu sync.RWMutex
	conn   bus.Conn

	subMu      sync.Mutex
	subscribed map[string]struct{}

	status atomic.Int32
}

func newBridge(dialer bus.Dialer, opts BackoffOptions, logger *slog.Logger) *Bridge {
	if opts.Initial <= 0 {
		opts.Initial = DefaultBackoffInitial
	}
	if opts.Max < opts.Initial {
		opts.Max = max(DefaultBackoffMax, opts.Initial)
	}
	return &Bridge{
		dialer:     dialer,
		backoff:    opts,
		logger:     logger.With(slog.String("component", "bus_bridge"), slog.String("bus", dialer.Name())),
		subscribed: make(map[string]struct{}),
	}
}

func (b *Bridge) Status() Status {
	return Status(b.status.Load())
}

// Run owns the connection until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.backoff.Initial
	bo.MaxInterval = b.backoff.Max
	bo.MaxElapsedTime = 0

	for {
		conn, err := backoff.RetryNotifyWithData(func() (bus.Conn, error) {
			return b.connect(ctx)
		}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
			b.logger.Warn("Bus connection attempt failed", slog.Any("error", err), slog.Duration("retryIn", wait))
		})
		if err != nil {
			// only a cancelled context ends the retry loop
			return nil
		}

		b.setStatus(StatusConnected)
		if b.connected != nil {
			b.connected()
		}
		b.consume(ctx, conn)
		b.detach(conn)
		b.setStatus(StatusDegraded)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// connect dials and subscribes every wanted topic before exposing the
// connection to publishers.
func (b *Bridge) connect(ctx context.Context) (bus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}
	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	topics := append([]string{bus.InvalidationTopic}, b.wanted()...)
	if err := conn.Subscribe(ctx, topics...); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to resubscribe %d topics: %w", len(topics), err)
	}
	clear(b.subscribed)
	for _, t := range topics {
		b.subscribed[t] = struct{}{}
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	b.logger.Info("Bus connected", slog.Int("topics", len(topics)))
	return conn, nil
}

func (b *Bridge) consume(ctx context.Context, conn bus.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			b.logger.Warn("Bus connection lost", slog.Any("error", conn.Err()))
			return
		case msg := <-conn.Messages():
			b.handle(msg)
		}
	}
}

func (b *Bridge) detach(conn bus.Conn) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.connMu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.connMu.Unlock()
	clear(b.subscribed)
	_ = conn.Close()
}

func (b *Bridge) setStatus(s Status) {
	if Status(b.status.Swap(int32(s))) != s {
		b.logger.Info("Bus status changed", slog.String("status", s.String()))
	}
}

func (b *Bridge) current() bus.Conn {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn
}

func (b *Bridge) Publish(ctx context.Context, topic string, data []byte) error {
	conn := b.current()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrBusUnavailable)
	}
	if err := conn.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	return nil
}

// reconcile brings the bus subscription of topic in line with the router.
// While disconnected it does nothing; connect resubscribes everything.
func (b *Bridge) reconcile(ctx context.Context, topic string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	conn := b.current()
	if conn == nil {
		return
	}
	_, have := b.subscribed[topic]
	want := b.want(topic)
	switch {
	case want && !have:
		if err := conn.Subscribe(ctx, topic); err != nil {
			b.logger.Warn("Bus subscribe failed", slog.String("topic", topic), slog.Any("error", err))
			return
		}
		b.subscribed[topic] = struct{}{}
	case !want && have:
		delete(b.subscribed, topic)
		if err := conn.Unsubscribe(ctx, topic); err != nil {
			b.logger.Warn("Bus unsubscribe failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}
}
