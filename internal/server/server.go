package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/a-essam23/go-relay/internal/gateway"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

type Options struct {
	Address string
	// ShutdownTimeout bounds the whole shutdown sequence.
	ShutdownTimeout time.Duration
}

// App serves the websocket endpoint and the health probes, and owns the
// lifetime of the router's bus bridge.
type App struct {
	logger  *slog.Logger
	opts    Options
	router  *router.Router
	gateway *gateway.Gateway
	http    *http.Server
}

func NewApp(opts Options, rt *router.Router, gw *gateway.Gateway, logger *slog.Logger) *App {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	app := &App{
		logger:  logger.With(slog.String("component", "server")),
		opts:    opts,
		router:  rt,
		gateway: gw,
	}
	app.http = &http.Server{
		Addr:              opts.Address,
		Handler:           app.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return app
}

// Handler builds the HTTP routes.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))

	r.Get("/readyz", a.readyHandler)
	r.With(
		middleware.NewRequestLogger(a.logger),
		middleware.NewTokenMiddleware(a.logger),
	).Get("/ws", a.upgradeHandler)
	return r
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	a.gateway.ServeWS(w, r, reqMeta.Token)
}

type readiness struct {
	Status     string `json:"status"`
	Bus        string `json:"bus"`
	InstanceID string `json:"instanceId"`
	Sessions   int    `json:"sessions"`
	Topics     int    `json:"topics"`
}

// readyHandler reports 503 while the bus is unreachable. Local delivery keeps
// working in that state, but load balancers should prefer healthy instances.
func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	busStatus := a.router.Status()
	body := readiness{
		Status:     "ok",
		Bus:        busStatus.String(),
		InstanceID: a.router.InstanceID(),
		Sessions:   a.gateway.Sessions(),
		Topics:     len(a.router.Topics()),
	}
	code := http.StatusOK
	if busStatus != router.StatusConnected {
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then shuts down gracefully. The router is
// stopped last so draining sessions can still publish.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.opts.Address, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	routerCtx, stopRouter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRouter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.router.Run(routerCtx)
	})
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		err := a.Shutdown()
		stopRouter()
		return err
	})
	return g.Wait()
}

// Shutdown stops accepting requests, then drains the websocket sessions.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}

	// hijacked websocket connections are not tracked by http.Server
	a.logger.Info("Closing all active connections...")
	if err := a.gateway.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
