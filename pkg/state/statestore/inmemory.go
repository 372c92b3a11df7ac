package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/a-essam23/go-relay/pkg/state"
)

// InMemory is a process-local Store. Besides the read-only accessors it exposes
// mutators used by fixtures and tests; every mutation is reported to the
// configured ChangeNotifier.
type InMemory struct {
	servers  map[string]*state.Server
	channels map[string]*state.Channel
	roles    map[string]map[string]state.Role    // serverID -> roleID -> role
	members  map[string]map[string]*state.Member // serverID -> userID -> member

	serverMu  sync.RWMutex
	channelMu sync.RWMutex
	roleMu    sync.RWMutex
	memberMu  sync.RWMutex

	notifierMu sync.RWMutex
	notifier   state.ChangeNotifier

	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		servers:  make(map[string]*state.Server),
		channels: make(map[string]*state.Channel),
		roles:    make(map[string]map[string]state.Role),
		members:  make(map[string]map[string]*state.Member),
		logger:   logger.With(slog.String("component", "state_store_inmemory")),
	}
}

// compile-time check to ensure InMemory implements Store.
var _ state.Store = (*InMemory)(nil)

func (m *InMemory) SetNotifier(n state.ChangeNotifier) {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.notifier = n
}

func (m *InMemory) notify(ctx context.Context, change state.Change) {
	m.notifierMu.RLock()
	n := m.notifier
	m.notifierMu.RUnlock()
	if n != nil {
		n.NotifyChange(ctx, change)
	}
}

// --- Read-only accessors ---

func (m *InMemory) Server(_ context.Context, serverID string) (*state.Server, error) {
	m.serverMu.RLock()
	defer m.serverMu.RUnlock()
	srv, ok := m.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("server '%s': %w", serverID, state.ErrNotFound)
	}
	cp := *srv
	return &cp, nil
}

func (m *InMemory) Channel(_ context.Context, channelID string) (*state.Channel, error) {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel '%s': %w", channelID, state.ErrNotFound)
	}
	cp := *ch
	cp.Overrides = slices.Clone(ch.Overrides)
	return &cp, nil
}

func (m *InMemory) Member(_ context.Context, serverID, userID string) (*state.Member, error) {
	m.memberMu.RLock()
	defer m.memberMu.RUnlock()
	mem, ok := m.members[serverID][userID]
	if !ok {
		return nil, fmt.Errorf("member '%s' of server '%s': %w", userID, serverID, state.ErrNotFound)
	}
	cp := *mem
	cp.RoleIDs = slices.Clone(mem.RoleIDs)
	return &cp, nil
}

func (m *InMemory) Roles(_ context.Context, serverID string) (map[string]state.Role, error) {
	m.roleMu.RLock()
	defer m.roleMu.RUnlock()
	roles := make(map[string]state.Role, len(m.roles[serverID]))
	for id, r := range m.roles[serverID] {
		roles[id] = r
	}
	return roles, nil
}

// --- Mutators ---

func (m *InMemory) PutServer(ctx context.Context, srv state.Server) error {
	if srv.ID == "" {
		return errors.New("server id is required")
	}
	m.serverMu.Lock()
	cp := srv
	m.servers[srv.ID] = &cp
	m.serverMu.Unlock()

	m.logger.Debug("Server stored", slog.String("serverID", srv.ID))
	m.notify(ctx, state.Change{Kind: state.ChangeServer, ServerID: srv.ID})
	return nil
}

func (m *InMemory) PutChannel(ctx context.Context, ch state.Channel) error {
	if ch.ID == "" || ch.ServerID == "" {
		return errors.New("channel id and server id are required")
	}
	if !ch.Type.Valid() {
		return fmt.Errorf("invalid channel type '%s'", ch.Type)
	}
	m.serverMu.RLock()
	_, ok := m.servers[ch.ServerID]
	m.serverMu.RUnlock()
	if !ok {
		return fmt.Errorf("server '%s': %w", ch.ServerID, state.ErrNotFound)
	}

	m.channelMu.Lock()
	cp := ch
	cp.Overrides = slices.Clone(ch.Overrides)
	for i := range cp.Overrides {
		cp.Overrides[i].ChannelID = ch.ID
	}
	m.channels[ch.ID] = &cp
	m.channelMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeChannel, ServerID: ch.ServerID, ChannelID: ch.ID})
	return nil
}

func (m *InMemory) DeleteChannel(ctx context.Context, channelID string) error {
	m.channelMu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.channelMu.Unlock()
		return nil
	}
	delete(m.channels, channelID)
	m.channelMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeChannel, ServerID: ch.ServerID, ChannelID: channelID})
	return nil
}

func (m *InMemory) PutRole(ctx context.Context, role state.Role) error {
	if role.ID == "" || role.ServerID == "" {
		return errors.New("role id and server id are required")
	}
	m.roleMu.Lock()
	roles, ok := m.roles[role.ServerID]
	if !ok {
		roles = make(map[string]state.Role)
		m.roles[role.ServerID] = roles
	}
	roles[role.ID] = role
	m.roleMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeRole, ServerID: role.ServerID})
	return nil
}

func (m *InMemory) DeleteRole(ctx context.Context, serverID, roleID string) error {
	m.roleMu.Lock()
	delete(m.roles[serverID], roleID)
	m.roleMu.Unlock()

	m.memberMu.Lock()
	for _, mem := range m.members[serverID] {
		mem.RoleIDs = slices.DeleteFunc(mem.RoleIDs, func(id string) bool { return id == roleID })
	}
	m.memberMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeRole, ServerID: serverID})
	return nil
}

func (m *InMemory) PutMember(ctx context.Context, mem state.Member) error {
	if mem.UserID == "" || mem.ServerID == "" {
		return errors.New("member user id and server id are required")
	}
	m.memberMu.Lock()
	members, ok := m.members[mem.ServerID]
	if !ok {
		members = make(map[string]*state.Member)
		m.members[mem.ServerID] = members
	}
	cp := mem
	cp.RoleIDs = slices.Clone(mem.RoleIDs)
	members[mem.UserID] = &cp
	m.memberMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeMember, ServerID: mem.ServerID, UserID: mem.UserID})
	return nil
}

func (m *InMemory) RemoveMember(ctx context.Context, serverID, userID string) error {
	m.memberMu.Lock()
	members, ok := m.members[serverID]
	if ok {
		delete(members, userID)
		// For memory hygiene, remove the index if it's now empty.
		if len(members) == 0 {
			delete(m.members, serverID)
		}
	}
	m.memberMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeMember, ServerID: serverID, UserID: userID})
	return nil
}

// AssignRole adds roleID to the member's roles. Assigning a held role is a no-op.
func (m *InMemory) AssignRole(ctx context.Context, serverID, userID, roleID string) error {
	m.memberMu.Lock()
	mem, ok := m.members[serverID][userID]
	if !ok {
		m.memberMu.Unlock()
		return fmt.Errorf("member '%s' of server '%s': %w", userID, serverID, state.ErrNotFound)
	}
	if mem.HasRole(roleID) {
		m.memberMu.Unlock()
		return nil
	}
	mem.RoleIDs = append(mem.RoleIDs, roleID)
	m.memberMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeMember, ServerID: serverID, UserID: userID})
	return nil
}

func (m *InMemory) RevokeRole(ctx context.Context, serverID, userID, roleID string) error {
	m.memberMu.Lock()
	mem, ok := m.members[serverID][userID]
	if !ok {
		m.memberMu.Unlock()
		return nil
	}
	mem.RoleIDs = slices.DeleteFunc(mem.RoleIDs, func(id string) bool { return id == roleID })
	m.memberMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeMember, ServerID: serverID, UserID: userID})
	return nil
}

// SetOverride replaces the override for (channel, role), creating it if needed.
func (m *InMemory) SetOverride(ctx context.Context, o state.PermissionOverride) error {
	m.channelMu.Lock()
	ch, ok := m.channels[o.ChannelID]
	if !ok {
		m.channelMu.Unlock()
		return fmt.Errorf("channel '%s': %w", o.ChannelID, state.ErrNotFound)
	}
	replaced := false
	for i := range ch.Overrides {
		if ch.Overrides[i].RoleID == o.RoleID {
			ch.Overrides[i] = o
			replaced = true
			break
		}
	}
	if !replaced {
		ch.Overrides = append(ch.Overrides, o)
	}
	serverID := ch.ServerID
	m.channelMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeOverride, ServerID: serverID, ChannelID: o.ChannelID})
	return nil
}

func (m *InMemory) RemoveOverride(ctx context.Context, channelID, roleID string) error {
	m.channelMu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.channelMu.Unlock()
		return nil
	}
	ch.Overrides = slices.DeleteFunc(ch.Overrides, func(o state.PermissionOverride) bool {
		return o.RoleID == roleID
	})
	serverID := ch.ServerID
	m.channelMu.Unlock()

	m.notify(ctx, state.Change{Kind: state.ChangeOverride, ServerID: serverID, ChannelID: channelID})
	return nil
}
