package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingInterval = 5 * time.Second

// Redis dials Redis pub/sub connections. Each Conn owns its own client so a
// lost connection is never silently re-established underneath the caller.
type Redis struct {
	opts         redis.Options
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewRedis(opts *redis.Options, pingInterval time.Duration, logger *slog.Logger) *Redis {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Redis{opts: *opts, pingInterval: pingInterval, logger: logger.With(slog.String("component", "bus_redis"))}
}

var _ Dialer = (*Redis)(nil)

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Dial(ctx context.Context) (Conn, error) {
	opts := r.opts
	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		client: client,
		ps:     client.Subscribe(cctx),
		cancel: cancel,
		msgs:   make(chan Message, messageBuffer),
		done:   make(chan struct{}),
		logger: r.logger,
	}
	go c.receive(cctx)
	go c.health(cctx, r.pingInterval)
	return c, nil
}

type redisConn struct {
	client *redis.Client
	ps     *redis.PubSub
	cancel context.CancelFunc
	logger *slog.Logger

	msgs     chan Message
	done     chan struct{}
	failOnce sync.Once
	err      error
}

func (c *redisConn) receive(ctx context.Context) {
	for {
		msg, err := c.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Redis receive failed", slog.Any("error", err))
			}
			c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			// subscription confirmations and pongs
			continue
		}
		select {
		case c.msgs <- Message{Topic: m.Channel, Data: []byte(m.Payload)}:
		case <-c.done:
			return
		}
	}
}

func (c *redisConn) health(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := c.client.Ping(pctx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("Redis health check failed", slog.Any("error", err))
				c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (c *redisConn) Publish(ctx context.Context, topic string, data []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, topic, data).Err()
}

func (c *redisConn) Subscribe(ctx context.Context, topics ...string) error {
	if err := c.Err(); err != nil {
		return err
	}
	if len(topics) == 0 {
		return nil
	}
	return c.ps.Subscribe(ctx, topics...)
}

func (c *redisConn) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := c.Err(); err != nil {
		return err
	}
	if len(topics) == 0 {
		return nil
	}
	return c.ps.Unsubscribe(ctx, topics...)
}

func (c *redisConn) Messages() <-chan Message { return c.msgs }
func (c *redisConn) Done() <-chan struct{}    { return c.done }

func (c *redisConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *redisConn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *redisConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
		errs := []error{c.ps.Close(), c.client.Close()}
		if cerr := errors.Join(errs...); cerr != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug("Redis close after failure", slog.Any("error", cerr))
		}
	})
}
