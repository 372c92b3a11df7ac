package state

import (
	"time"
)

// ChannelType decides which writers a channel accepts on top of the permission bitfield.
type ChannelType string

const (
	ChannelText         ChannelType = "text"
	ChannelVoice        ChannelType = "voice"
	ChannelAnnouncement ChannelType = "announcement"
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelText, ChannelVoice, ChannelAnnouncement:
		return true
	}
	return false
}

// ReadOnly reports whether only privileged members may write to channels of this type.
func (t ChannelType) ReadOnly() bool {
	return t == ChannelAnnouncement
}

// canonical representation of a chat server (guild).
type Server struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

// Role is a named permission set. Higher Position wins ties between overrides.
type Role struct {
	ID          string     `json:"id"`
	ServerID    string     `json:"serverId"`
	Name        string     `json:"name"`
	Color       string     `json:"color,omitempty"`
	Position    int        `json:"position"`
	Permissions Permission `json:"permissions"`
}

// represents the relationship between a user and a server.
type Member struct {
	UserID   string    `json:"userId"`
	ServerID string    `json:"serverId"`
	RoleIDs  []string  `json:"roleIds"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// PermissionOverride adjusts a role's permissions inside one channel.
type PermissionOverride struct {
	ChannelID string     `json:"channelId"`
	RoleID    string     `json:"roleId"`
	Allow     Permission `json:"allow"`
	Deny      Permission `json:"deny"`
}

type Channel struct {
	ID        string               `json:"id"`
	ServerID  string               `json:"serverId"`
	Name      string               `json:"name"`
	Type      ChannelType          `json:"type"`
	Overrides []PermissionOverride `json:"overrides,omitempty"`
}

// Snapshot is everything needed to resolve one member's permissions in one
// channel. It is assembled by the caller so resolution itself does no I/O.
type Snapshot struct {
	Server  Server
	Channel Channel
	Member  Member
	Roles   map[string]Role
}
