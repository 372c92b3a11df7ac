package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Outbox supplies frames to the write pump. Next blocks until a frame is
// ready; any error ends the connection.
type Outbox interface {
	Next(ctx context.Context) ([]byte, error)
}

// MessageHandler is called for every inbound message, in order. A returned
// error ends the connection.
type MessageHandler func(ctx context.Context, msg []byte) error

// CloseStatusFunc picks the close frame for the error that ended the connection.
type CloseStatusFunc func(err error) (websocket.StatusCode, string)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next client message. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval sends websocket pings to detect dead peers. Zero disables it.
	PingInterval   time.Duration
	MaxMessageSize int64
}

const defaultWriteTimeout = 10 * time.Second

// Connection drives one websocket: a read pump feeding the message handler and
// a write pump draining the outbox. Both run until either side fails.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig

	closeOnce sync.Once
	// outboxErr is set when the write pump ended the connection.
	outboxErr error

	logger *slog.Logger
}

func NewConnection(id uuid.UUID, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Run pumps messages until the connection ends and returns the error that
// ended it. The websocket is closed with the status chosen by status before
// Run returns.
func (c *Connection) Run(ctx context.Context, outbox Outbox, onMessage MessageHandler, status CloseStatusFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx, onMessage) })
	g.Go(func() error { return c.writePump(gctx, outbox, status) })
	if c.config.PingInterval > 0 {
		g.Go(func() error { return c.pingLoop(gctx) })
	}

	c.logger.Debug("Connection pumps started")
	err := g.Wait()
	if c.outboxErr != nil {
		// the read pump usually reports the close handshake first
		err = c.outboxErr
	}
	c.Close(status(err))
	return err
}

// readPump pumps messages from the websocket to the message handler.
func (c *Connection) readPump(ctx context.Context, onMessage MessageHandler) error {
	for {
		readCtx, cancelRead := ctx, context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(ctx, c.config.ReadTimeout)
		}
		typ, msg, err := c.conn.Read(readCtx)
		cancelRead()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if err := onMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// writePump pumps frames from the outbox to the websocket. When the outbox
// ends it starts the close handshake itself so the read pump unblocks with a
// close frame rather than a cancelled read.
func (c *Connection) writePump(ctx context.Context, outbox Outbox, status CloseStatusFunc) error {
	for {
		frame, err := outbox.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.outboxErr = err
				c.Close(status(err))
			}
			return err
		}
		// a cancelled write tears the websocket down without a close frame,
		// so in-flight writes only obey the write timeout
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.WriteTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// Close sends a close frame and tears the websocket down. Only the first call
// has an effect.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Transport connection closing", slog.String("status", code.String()), slog.String("reason", reason))
		if err := c.conn.Close(code, reason); err != nil && !isClosedErr(err) {
			c.logger.Debug("Close handshake incomplete", slog.Any("error", err))
		}
	})
}

// IsPeerClose reports whether err is the peer closing the connection, normally
// or by going away.
func IsPeerClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
