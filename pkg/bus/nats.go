package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS dials core NATS connections. Client-side reconnects are disabled so
// that a lost connection surfaces through Done and the caller resubscribes.
type NATS struct {
	url    string
	name   string
	logger *slog.Logger
}

func NewNATS(url, name string, logger *slog.Logger) *NATS {
	return &NATS{url: url, name: name, logger: logger.With(slog.String("component", "bus_nats"))}
}

var _ Dialer = (*NATS)(nil)

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Dial(ctx context.Context) (Conn, error) {
	c := &natsConn{
		subs:   make(map[string]*nats.Subscription),
		msgs:   make(chan Message, messageBuffer),
		done:   make(chan struct{}),
		logger: n.logger,
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	nc, err := nats.Connect(n.url,
		nats.Name(n.name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("NATS disconnected", slog.Any("error", err))
			}
			c.fail(ErrConnectionLost)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.fail(ErrConnectionLost)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.nc = nc
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	msgs     chan Message
	done     chan struct{}
	failOnce sync.Once
	err      error
}

func (c *natsConn) Publish(ctx context.Context, topic string, data []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.nc.Publish(topic, data)
}

func (c *natsConn) Subscribe(_ context.Context, topics ...string) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if _, ok := c.subs[topic]; ok {
			continue
		}
		sub, err := c.nc.Subscribe(topic, c.deliver)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subs[topic] = sub
	}
	return nil
}

func (c *natsConn) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		sub, ok := c.subs[topic]
		if !ok {
			continue
		}
		delete(c.subs, topic)
		if err := sub.Unsubscribe(); err != nil && c.Err() == nil {
			return fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (c *natsConn) deliver(m *nats.Msg) {
	select {
	case c.msgs <- Message{Topic: m.Subject, Data: m.Data}:
	case <-c.done:
	}
}

func (c *natsConn) Messages() <-chan Message { return c.msgs }
func (c *natsConn) Done() <-chan struct{}    { return c.done }

func (c *natsConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *natsConn) Close() error {
	c.fail(ErrClosed)
	c.nc.Close()
	return nil
}

func (c *natsConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
