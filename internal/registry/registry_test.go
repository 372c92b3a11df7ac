package registry_test

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/registry"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type recordingUnsub struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	// channels seen at unsubscribe time, to prove it ran before release
	seen map[uuid.UUID][]string
}

func newRecordingUnsub() *recordingUnsub {
	return &recordingUnsub{calls: map[uuid.UUID]int{}, seen: map[uuid.UUID][]string{}}
}

func (u *recordingUnsub) UnsubscribeAll(sess *session.Session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[sess.ID()]++
	u.seen[sess.ID()] = sess.Channels()
}

func newSession(t *testing.T, userID string) *session.Session {
	t.Helper()
	s := session.New(uuid.New(), session.Options{QueueSize: 4, Logger: newTestLogger()})
	require.NoError(t, s.Activate(userID))
	return s
}

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	unsub := newRecordingUnsub()
	r := registry.New(newTestLogger(), unsub)

	s1 := newSession(t, "alice")
	s2 := newSession(t, "alice")
	s3 := newSession(t, "bob")
	for _, s := range []*session.Session{s1, s2, s3} {
		require.NoError(t, r.Register(s))
	}

	assert.Len(t, r.Lookup("alice"), 2)
	assert.Len(t, r.Lookup("bob"), 1)
	assert.Empty(t, r.Lookup("carol"))
	assert.Equal(t, 3, r.Len())

	got, ok := r.Get(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	s1.AddChannel("general")
	r.Unregister(s1.ID())
	assert.Equal(t, session.Closed, s1.State())
	assert.Equal(t, []string{"general"}, unsub.seen[s1.ID()], "router cleanup ran before the session was released")
	assert.Equal(t, 1, r.Count("alice"))
	_, ok = r.Get(s1.ID())
	assert.False(t, ok)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	unsub := newRecordingUnsub()
	r := registry.New(newTestLogger(), unsub)
	s := newSession(t, "alice")
	require.NoError(t, r.Register(s))

	closes := 0
	s.OnClose(func(*session.Session, error) { closes++ })

	r.Unregister(s.ID())
	r.Unregister(s.ID())
	r.Unregister(uuid.New())

	assert.Equal(t, 1, unsub.calls[s.ID()])
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Count("alice"))
}

func TestRegistry_UnregisterFromCloseHook(t *testing.T) {
	unsub := newRecordingUnsub()
	r := registry.New(newTestLogger(), unsub)
	s := newSession(t, "alice")
	require.NoError(t, r.Register(s))
	s.OnClose(func(sess *session.Session, _ error) { r.Unregister(sess.ID()) })

	s.AddChannel("general")
	s.Close(nil)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, unsub.calls[s.ID()])
	assert.Equal(t, []string{"general"}, unsub.seen[s.ID()])
}

func TestRegistry_RejectsDuplicatesAndInactive(t *testing.T) {
	r := registry.New(newTestLogger(), nil)
	s := newSession(t, "alice")
	require.NoError(t, r.Register(s))
	assert.Error(t, r.Register(s))

	pending := session.New(uuid.New(), session.Options{Logger: newTestLogger()})
	assert.Error(t, r.Register(pending))
}

func TestRegistry_Oldest(t *testing.T) {
	r := registry.New(newTestLogger(), nil)
	s1 := newSession(t, "alice")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	s2 := newSession(t, "alice")
	require.NoError(t, r.Register(s2))
	require.NoError(t, r.Register(s1))

	oldest, ok := r.Oldest("alice")
	require.True(t, ok)
	assert.Equal(t, s1.ID(), oldest.ID())

	_, ok = r.Oldest("nobody")
	assert.False(t, ok)
}

func TestRegistry_Concurrency(t *testing.T) {
	r := registry.New(newTestLogger(), newRecordingUnsub())
	const n = 100
	sessions := make([]*session.Session, n)
	for i := range sessions {
		sessions[i] = newSession(t, "user"+strconv.Itoa(i%10))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			assert.NoError(t, r.Register(s))
			r.Lookup(s.UserID())
			r.Unregister(s.ID())
			r.Unregister(s.ID())
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.All())
}
