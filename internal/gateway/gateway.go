// Package gateway owns the lifecycle of client connections: authentication
// after upgrade, registration, the per-connection pumps, frame dispatch and
// graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrShuttingDown     = errors.New("gateway shutting down")
	ErrConnectionCycled = errors.New("connection cycled by a newer connection")
	ErrConnectionLimit  = errors.New("connection limit reached")
	ErrMalformedFlood   = errors.New("too many malformed frames")
)

type Options struct {
	Session         SessionOptions
	ConnectionLimit ConnectionLimitOptions
	Transport       transport.ConnectionConfig
	// DrainGrace is how long draining sessions get to flush before they are
	// closed forcibly.
	DrainGrace time.Duration
	Accept     websocket.AcceptOptions
}

type SessionOptions struct {
	QueueSize int
	Policy    session.OverflowPolicy
	Malformed MalformedOptions
}

const DefaultDrainGrace = 5 * time.Second

type Gateway struct {
	auth     auth.Authenticator
	registry *registry.Registry
	router   *router.Router
	opts     Options
	limiter  *connectionLimiter
	logger   *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

func New(opts Options, authn auth.Authenticator, reg *registry.Registry, rt *router.Router, logger *slog.Logger) *Gateway {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	logger = logger.With(slog.String("component", "gateway"))
	return &Gateway{
		auth:     authn,
		registry: reg,
		router:   rt,
		opts:     opts,
		limiter:  newConnectionLimiter(opts.ConnectionLimit, reg, logger),
		logger:   logger,
	}
}

func (g *Gateway) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return false
	}
	g.wg.Add(1)
	return true
}

// ServeWS upgrades the request and serves the connection until it ends. The
// token is validated after the upgrade so failures are reported as close
// frames.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, token string) {
	if !g.begin() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	ws, err := websocket.Accept(w, r, &g.opts.Accept)
	if err != nil {
		g.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	sess := session.New(uuid.New(), session.Options{
		QueueSize: g.opts.Session.QueueSize,
		Policy:    g.opts.Session.Policy,
		Logger:    g.logger,
	})
	conn := transport.NewConnection(sess.ID(), ws, g.opts.Transport, g.logger)

	ctx := r.Context()
	userID, err := g.auth.Validate(ctx, token)
	if err != nil {
		sess.Logger().Warn("Rejecting connection with invalid credentials", slog.Any("error", err))
		sess.Close(err)
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	if err := sess.Activate(userID); err != nil {
		sess.Close(err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	if err := g.limiter.admit(userID); err != nil {
		sess.Close(err)
		conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}

	sess.OnClose(func(s *session.Session, _ error) { g.registry.Unregister(s.ID()) })
	if err := g.registry.Register(sess); err != nil {
		sess.Logger().Error("Failed to register session", slog.Any("error", err))
		sess.Close(err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	logger := sess.Logger()
	logger.Info("User connection fully established", slog.String("remoteAddr", r.RemoteAddr))

	d := g.newDispatcher(sess)
	runErr := conn.Run(ctx, sess, d.handle, closeStatusFor(sess))
	sess.Close(runErr)

	logger.Info("Connection closed",
		slog.String("reason", describe(runErr, sess)),
		slog.Uint64("droppedFrames", sess.Queue().Dropped()),
	)
}

// closeStatusFor maps the error that ended a connection to its close frame.
// Outbox errors carry no cause, so the session's recorded reason decides.
func closeStatusFor(sess *session.Session) transport.CloseStatusFunc {
	return func(err error) (websocket.StatusCode, string) {
		if errors.Is(err, session.ErrDrained) || errors.Is(err, session.ErrQueueClosed) {
			err = sess.Err()
		}
		switch {
		case errors.Is(err, session.ErrBackpressureOverflow):
			return websocket.StatusPolicyViolation, "backpressure"
		case errors.Is(err, ErrMalformedFlood):
			return websocket.StatusPolicyViolation, "malformed"
		case errors.Is(err, ErrShuttingDown):
			return websocket.StatusGoingAway, "server shutting down"
		case errors.Is(err, ErrConnectionCycled):
			return websocket.StatusPolicyViolation, "connection replaced"
		default:
			return websocket.StatusNormalClosure, ""
		}
	}
}

func describe(runErr error, sess *session.Session) string {
	if transport.IsPeerClose(runErr) {
		return "peer closed"
	}
	if errors.Is(runErr, session.ErrDrained) || errors.Is(runErr, session.ErrQueueClosed) {
		if reason := sess.Err(); reason != nil {
			return reason.Error()
		}
	}
	if runErr == nil {
		return "closed"
	}
	return runErr.Error()
}

// Shutdown stops accepting connections, drains every session so queued frames
// are flushed, waits up to the drain grace and then closes what is left. It
// returns once every connection handler has finished or ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	g.mu.Unlock()

	sessions := g.registry.All()
	g.logger.Info("Draining active connections", slog.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Drain(ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(g.opts.DrainGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	remaining := g.registry.All()
	g.logger.Warn("Drain grace expired, closing remaining connections", slog.Int("count", len(remaining)))
	for _, s := range remaining {
		s.Close(ErrShuttingDown)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connections still open after shutdown deadline: %w", ctx.Err())
	}
}

// Sessions returns the number of registered sessions.
func (g *Gateway) Sessions() int {
	return g.registry.Len()
}
