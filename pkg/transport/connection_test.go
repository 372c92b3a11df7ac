package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type chanOutbox struct {
	frames chan []byte
	end    chan error
}

func newChanOutbox() *chanOutbox {
	return &chanOutbox{frames: make(chan []byte, 16), end: make(chan error, 1)}
}

func (o *chanOutbox) Next(ctx context.Context) ([]byte, error) {
	select {
	case f := <-o.frames:
		return f, nil
	case err := <-o.end:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	errFinished = errors.New("finished")
	errRejected = errors.New("rejected")
)

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, errFinished):
		return websocket.StatusGoingAway, "finished"
	case errors.Is(err, errRejected):
		return websocket.StatusPolicyViolation, "rejected"
	default:
		return websocket.StatusNormalClosure, ""
	}
}

// startServer runs one transport.Connection per accepted websocket and reports
// Run's result on the returned channel.
func startServer(t *testing.T, outbox *chanOutbox, handler transport.MessageHandler) (string, <-chan error) {
	t.Helper()
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			result <- err
			return
		}
		conn := transport.NewConnection(uuid.New(), ws, transport.ConnectionConfig{MaxMessageSize: 1024}, newTestLogger())
		result <- conn.Run(r.Context(), outbox, handler, closeStatus)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), result
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func TestConnection_EchoThenOutboxEnds(t *testing.T) {
	outbox := newChanOutbox()
	url, result := startServer(t, outbox, func(_ context.Context, msg []byte) error {
		outbox.frames <- append([]byte("echo:"), msg...)
		return nil
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("hi")))
	typ, msg, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "echo:hi", string(msg))

	outbox.end <- errFinished
	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errFinished)
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}
}

func TestConnection_HandlerErrorClosesWithStatus(t *testing.T) {
	outbox := newChanOutbox()
	url, result := startServer(t, outbox, func(context.Context, []byte) error {
		return errRejected
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("bad")))
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, errRejected)
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}
}

func TestConnection_PeerCloseEndsRun(t *testing.T) {
	outbox := newChanOutbox()
	url, result := startServer(t, outbox, func(context.Context, []byte) error { return nil })
	c := dial(t, url)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	select {
	case err := <-result:
		assert.True(t, transport.IsPeerClose(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
