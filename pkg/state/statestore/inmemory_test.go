package statestore_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/state/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type recorder struct {
	mu      sync.Mutex
	changes []state.Change
}

func (r *recorder) NotifyChange(_ context.Context, c state.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) last() state.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func seed(t *testing.T, s *statestore.InMemory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutServer(ctx, state.Server{ID: "srv", OwnerID: "owner", Name: "Guild"}))
	require.NoError(t, s.PutRole(ctx, state.Role{ID: "member", ServerID: "srv", Permissions: state.PermRead | state.PermWrite}))
	require.NoError(t, s.PutRole(ctx, state.Role{ID: "mod", ServerID: "srv", Position: 2, Permissions: state.PermManageMessages}))
	require.NoError(t, s.PutChannel(ctx, state.Channel{ID: "general", ServerID: "srv", Type: state.ChannelText}))
	require.NoError(t, s.PutMember(ctx, state.Member{UserID: "alice", ServerID: "srv", RoleIDs: []string{"member"}}))
}

func TestInMemory_Accessors(t *testing.T) {
	ctx := context.Background()
	s := statestore.NewInMemory(newTestLogger())
	seed(t, s)

	srv, err := s.Server(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, "owner", srv.OwnerID)

	ch, err := s.Channel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, "srv", ch.ServerID)

	mem, err := s.Member(ctx, "srv", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"member"}, mem.RoleIDs)

	roles, err := s.Roles(ctx, "srv")
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	_, err = s.Member(ctx, "srv", "mallory")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = s.Channel(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = s.Server(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestInMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := statestore.NewInMemory(newTestLogger())
	seed(t, s)

	mem, err := s.Member(ctx, "srv", "alice")
	require.NoError(t, err)
	mem.RoleIDs[0] = "admin"

	again, err := s.Member(ctx, "srv", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"member"}, again.RoleIDs)
}

func TestInMemory_ValidatesWrites(t *testing.T) {
	ctx := context.Background()
	s := statestore.NewInMemory(newTestLogger())
	seed(t, s)

	assert.Error(t, s.PutChannel(ctx, state.Channel{ID: "x", ServerID: "srv", Type: "forum"}))
	assert.ErrorIs(t, s.PutChannel(ctx, state.Channel{ID: "x", ServerID: "nope", Type: state.ChannelText}), state.ErrNotFound)
	assert.Error(t, s.PutServer(ctx, state.Server{}))
	assert.ErrorIs(t, s.AssignRole(ctx, "srv", "mallory", "member"), state.ErrNotFound)
	assert.ErrorIs(t, s.SetOverride(ctx, state.PermissionOverride{ChannelID: "nope", RoleID: "member"}), state.ErrNotFound)
}

func TestInMemory_MutationsNotify(t *testing.T) {
	ctx := context.Background()
	s := statestore.NewInMemory(newTestLogger())
	seed(t, s)
	rec := &recorder{}
	s.SetNotifier(rec)

	require.NoError(t, s.AssignRole(ctx, "srv", "alice", "mod"))
	assert.Equal(t, state.Change{Kind: state.ChangeMember, ServerID: "srv", UserID: "alice"}, rec.last())

	require.NoError(t, s.SetOverride(ctx, state.PermissionOverride{ChannelID: "general", RoleID: "member", Deny: state.PermWrite}))
	assert.Equal(t, state.Change{Kind: state.ChangeOverride, ServerID: "srv", ChannelID: "general"}, rec.last())

	ch, err := s.Channel(ctx, "general")
	require.NoError(t, err)
	require.Len(t, ch.Overrides, 1)
	assert.Equal(t, state.PermWrite, ch.Overrides[0].Deny)

	// replacing keeps a single override per role
	require.NoError(t, s.SetOverride(ctx, state.PermissionOverride{ChannelID: "general", RoleID: "member", Allow: state.PermAnnounce}))
	ch, err = s.Channel(ctx, "general")
	require.NoError(t, err)
	require.Len(t, ch.Overrides, 1)
	assert.Equal(t, state.PermAnnounce, ch.Overrides[0].Allow)

	require.NoError(t, s.RemoveOverride(ctx, "general", "member"))
	ch, err = s.Channel(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, ch.Overrides)

	require.NoError(t, s.DeleteRole(ctx, "srv", "mod"))
	assert.Equal(t, state.Change{Kind: state.ChangeRole, ServerID: "srv"}, rec.last())
	mem, err := s.Member(ctx, "srv", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"member"}, mem.RoleIDs)

	require.NoError(t, s.RemoveMember(ctx, "srv", "alice"))
	_, err = s.Member(ctx, "srv", "alice")
	assert.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, s.DeleteChannel(ctx, "general"))
	assert.Equal(t, state.Change{Kind: state.ChangeChannel, ServerID: "srv", ChannelID: "general"}, rec.last())
}
