package permission

import (
	"errors"
	"sort"

	"github.com/a-essam23/go-relay/pkg/state"
)

// ErrPermissionDenied is returned when a member lacks the capability an
// operation requires. The connection stays open.
var ErrPermissionDenied = errors.New("permission denied")

type Capability uint8

const (
	Read Capability = iota + 1
	Write
)

func (c Capability) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Bit returns the permission bit that grants the capability.
func (c Capability) Bit() state.Permission {
	switch c {
	case Read:
		return state.PermRead
	case Write:
		return state.PermWrite
	default:
		return 0
	}
}

// PayloadKind is what a Write carries; channel types may refuse some kinds.
type PayloadKind string

const (
	PayloadMessage PayloadKind = "message"
	PayloadTyping  PayloadKind = "typing"
)

// Decision is the outcome of one authorization.
type Decision struct {
	Allowed     bool
	Permissions state.Permission
	Privileged  bool
	Reason      string
}

// Err returns nil when the decision allows the operation.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errors.Join(ErrPermissionDenied, errors.New(d.Reason))
}

// Resolve computes the effective permissions of snap.Member in snap.Channel.
//
// Role permissions are OR-ed together. Owners and administrators receive every
// permission and skip overrides. Otherwise the channel overrides of the roles
// the member holds are layered in ascending role position (ties broken by role
// id) so the highest role has the final say on any bit it touches.
func Resolve(snap *state.Snapshot) (perms state.Permission, privileged bool) {
	if snap.Server.OwnerID != "" && snap.Server.OwnerID == snap.Member.UserID {
		return state.AllPermissions, true
	}

	held := make([]state.Role, 0, len(snap.Member.RoleIDs))
	seen := make(map[string]struct{}, len(snap.Member.RoleIDs))
	for _, id := range snap.Member.RoleIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		role, ok := snap.Roles[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		held = append(held, role)
		perms |= role.Permissions
	}
	if perms.Has(state.PermAdministrator) {
		return state.AllPermissions, true
	}

	sort.Slice(held, func(i, j int) bool {
		if held[i].Position != held[j].Position {
			return held[i].Position < held[j].Position
		}
		return held[i].ID < held[j].ID
	})

	overrides := make(map[string]state.PermissionOverride, len(snap.Channel.Overrides))
	for _, o := range snap.Channel.Overrides {
		overrides[o.RoleID] = o
	}
	for _, role := range held {
		if o, ok := overrides[role.ID]; ok {
			perms = perms.Apply(o.Allow, o.Deny)
		}
	}
	return perms, false
}

// Authorize resolves snap and decides whether the member may perform cap with
// a payload of the given kind. The channel-type gate is applied after the
// bitfield check and only to writes.
func Authorize(snap *state.Snapshot, cap Capability, kind PayloadKind) Decision {
	perms, privileged := Resolve(snap)
	return decide(perms, privileged, snap.Channel.Type, cap, kind)
}

func decide(perms state.Permission, privileged bool, chType state.ChannelType, cap Capability, kind PayloadKind) Decision {
	d := Decision{Permissions: perms, Privileged: privileged}
	bit := cap.Bit()
	if bit == 0 {
		d.Reason = "unknown capability"
		return d
	}
	if !perms.Has(bit) {
		d.Reason = "missing " + cap.String() + " permission"
		return d
	}
	if cap == Write {
		if reason, ok := channelAccepts(chType, perms, privileged, kind); !ok {
			d.Reason = reason
			return d
		}
	}
	d.Allowed = true
	return d
}

func channelAccepts(t state.ChannelType, perms state.Permission, privileged bool, kind PayloadKind) (string, bool) {
	switch kind {
	case PayloadMessage, PayloadTyping:
	default:
		return "unsupported payload kind '" + string(kind) + "'", false
	}
	if t.ReadOnly() && !privileged && !perms.Has(state.PermAnnounce) {
		return "channel type '" + string(t) + "' is read-only", false
	}
	return "", true
}
