package state

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store accessors when the record does not exist.
// For Member it means the user is not part of the server.
var ErrNotFound = errors.New("state: not found")

// Store is the read-only view of server, channel, role and membership data.
type Store interface {
	Server(ctx context.Context, serverID string) (*Server, error)
	Channel(ctx context.Context, channelID string) (*Channel, error)
	Member(ctx context.Context, serverID, userID string) (*Member, error)
	// Roles returns every role defined on the server, keyed by role id.
	Roles(ctx context.Context, serverID string) (map[string]Role, error)
}

// ChangeKind identifies what kind of permission-affecting mutation happened.
type ChangeKind string

const (
	ChangeRole     ChangeKind = "role"
	ChangeMember   ChangeKind = "member"
	ChangeOverride ChangeKind = "override"
	ChangeChannel  ChangeKind = "channel"
	ChangeServer   ChangeKind = "server"
)

// Change describes a mutation that may alter resolved permissions. Empty ids
// widen the scope: a Change with only ServerID set affects every member and
// channel of that server.
type Change struct {
	Kind      ChangeKind `json:"kind" cbor:"kind"`
	ServerID  string     `json:"serverId" cbor:"serverId"`
	ChannelID string     `json:"channelId,omitempty" cbor:"channelId,omitempty"`
	UserID    string     `json:"userId,omitempty" cbor:"userId,omitempty"`
}

// ChangeNotifier receives store mutations so caches and subscriptions can be
// revalidated.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, change Change)
}

// LoadSnapshot loads everything needed to resolve userID's permissions in channelID.
func LoadSnapshot(ctx context.Context, s Store, userID, channelID string) (*Snapshot, error) {
	channel, err := s.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	server, err := s.Server(ctx, channel.ServerID)
	if err != nil {
		return nil, err
	}
	member, err := s.Member(ctx, channel.ServerID, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.Roles(ctx, channel.ServerID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Server:  *server,
		Channel: *channel,
		Member:  *member,
		Roles:   roles,
	}, nil
}

// Notifiers fans a change out to several notifiers in order.
type Notifiers []ChangeNotifier

func (ns Notifiers) NotifyChange(ctx context.Context, change Change) {
	for _, n := range ns {
		n.NotifyChange(ctx, change)
	}
}
