package config

import (
	"context"
	"fmt"

	"github.com/a-essam23/go-relay/pkg/state"
)

// Fixtures seed the in-memory store so a single instance can run without a
// database. Permissions are given by name and compiled against the registry.
type Fixtures struct {
	Servers []ServerFixture `mapstructure:"servers"`
}

type ServerFixture struct {
	ID       string           `mapstructure:"id"`
	OwnerID  string           `mapstructure:"ownerId"`
	Name     string           `mapstructure:"name"`
	Roles    []RoleFixture    `mapstructure:"roles"`
	Channels []ChannelFixture `mapstructure:"channels"`
	Members  []MemberFixture  `mapstructure:"members"`
}

type RoleFixture struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Position    int      `mapstructure:"position"`
	Permissions []string `mapstructure:"permissions"`
}

type ChannelFixture struct {
	ID        string            `mapstructure:"id"`
	Name      string            `mapstructure:"name"`
	Type      string            `mapstructure:"type"`
	Overrides []OverrideFixture `mapstructure:"overrides"`
}

type OverrideFixture struct {
	RoleID string   `mapstructure:"roleId"`
	Allow  []string `mapstructure:"allow"`
	Deny   []string `mapstructure:"deny"`
}

type MemberFixture struct {
	UserID string   `mapstructure:"userId"`
	Roles  []string `mapstructure:"roles"`
}

// FixtureStore is the subset of store mutators fixtures are written through.
type FixtureStore interface {
	PutServer(ctx context.Context, srv state.Server) error
	PutRole(ctx context.Context, role state.Role) error
	PutChannel(ctx context.Context, ch state.Channel) error
	PutMember(ctx context.Context, mem state.Member) error
	SetOverride(ctx context.Context, o state.PermissionOverride) error
}

// ApplyFixtures writes every fixture into store. Roles are written before
// channels and members so overrides and role assignments never dangle.
func ApplyFixtures(ctx context.Context, fx Fixtures, reg *PermissionRegistry, store FixtureStore) error {
	for _, srv := range fx.Servers {
		if err := store.PutServer(ctx, state.Server{ID: srv.ID, OwnerID: srv.OwnerID, Name: srv.Name}); err != nil {
			return fmt.Errorf("fixture server '%s': %w", srv.ID, err)
		}

		for _, rf := range srv.Roles {
			perms, err := reg.CompilePermissions(rf.Permissions)
			if err != nil {
				return fmt.Errorf("fixture role '%s': %w", rf.ID, err)
			}
			role := state.Role{ID: rf.ID, ServerID: srv.ID, Name: rf.Name, Position: rf.Position, Permissions: perms}
			if err := store.PutRole(ctx, role); err != nil {
				return fmt.Errorf("fixture role '%s': %w", rf.ID, err)
			}
		}

		for _, cf := range srv.Channels {
			chType := state.ChannelType(cf.Type)
			if cf.Type == "" {
				chType = state.ChannelText
			}
			if err := store.PutChannel(ctx, state.Channel{ID: cf.ID, ServerID: srv.ID, Name: cf.Name, Type: chType}); err != nil {
				return fmt.Errorf("fixture channel '%s': %w", cf.ID, err)
			}
			for _, of := range cf.Overrides {
				allow, err := reg.CompilePermissions(of.Allow)
				if err != nil {
					return fmt.Errorf("fixture override '%s/%s': %w", cf.ID, of.RoleID, err)
				}
				deny, err := reg.CompilePermissions(of.Deny)
				if err != nil {
					return fmt.Errorf("fixture override '%s/%s': %w", cf.ID, of.RoleID, err)
				}
				o := state.PermissionOverride{ChannelID: cf.ID, RoleID: of.RoleID, Allow: allow, Deny: deny}
				if err := store.SetOverride(ctx, o); err != nil {
					return fmt.Errorf("fixture override '%s/%s': %w", cf.ID, of.RoleID, err)
				}
			}
		}

		for _, mf := range srv.Members {
			if err := store.PutMember(ctx, state.Member{UserID: mf.UserID, ServerID: srv.ID, RoleIDs: mf.Roles}); err != nil {
				return fmt.Errorf("fixture member '%s': %w", mf.UserID, err)
			}
		}
	}
	return nil
}
