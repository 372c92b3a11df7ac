package server_test

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/gateway"
	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/bus"
	"github.com/a-essam23/go-relay/pkg/state/statestore"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const waitFor = 2 * time.Second

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fixture struct {
	app    *server.App
	router *router.Router
	authn  *auth.JWT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := newTestLogger()
	checker := permission.NewChecker(statestore.NewInMemory(logger), permission.CheckerOptions{}, logger)
	rt := router.New(router.Options{InstanceID: "srv-test", Dialer: bus.NewMemoryHub()}, checker, logger)
	reg := registry.New(logger, rt)
	authn, err := auth.NewJWT([]byte("test-secret"), auth.JWTOptions{})
	require.NoError(t, err)
	gw := gateway.New(gateway.Options{DrainGrace: time.Second}, authn, reg, rt, logger)
	app := server.NewApp(server.Options{ShutdownTimeout: waitFor}, rt, gw, logger)
	return &fixture{app: app, router: rt, authn: authn}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.app.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_ReflectsBusStatus(t *testing.T) {
	f := newFixture(t)
	h := f.app.Handler()

	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", gjson.Get(rec.Body.String(), "status").String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.router.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return f.router.Status() == router.StatusConnected }, waitFor, 5*time.Millisecond)

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, "connected", gjson.Get(body, "bus").String())
	assert.Equal(t, "srv-test", gjson.Get(body, "instanceId").String())
}

func TestWS_MissingTokenRejectedBeforeUpgrade(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.app.Handler(), "/ws")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServe_ShutdownClosesConnections(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- f.app.Serve(ctx, ln) }()
	require.Eventually(t, func() bool { return f.router.Status() == router.StatusConnected }, waitFor, 5*time.Millisecond)

	token, err := f.authn.Issue("alice", time.Minute)
	require.NoError(t, err)
	dctx, dcancel := context.WithTimeout(context.Background(), waitFor)
	defer dcancel()
	c, _, err := websocket.Dial(dctx, "ws://"+ln.Addr().String()+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, c.Write(dctx, websocket.MessageText, []byte(`{"v":1,"type":"ping","ref":"p"}`)))
	_, msg, err := c.Read(dctx)
	require.NoError(t, err)
	assert.Equal(t, "p", gjson.GetBytes(msg, "ref").String())

	cancel()
	_, _, err = c.Read(dctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, router.StatusDegraded, f.router.Status())
}
