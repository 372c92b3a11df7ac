package state

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermRead           Permission = 1 << iota
	PermWrite                     // 2
	PermManageMessages            // 4
	PermManageChannels            // 8
	PermManageRoles               // 16
	PermAnnounce                  // 32

	PermAdministrator Permission = 1 << 63
)

// AllPermissions is granted to server owners and administrators.
const AllPermissions = ^Permission(0)

// FirstCustomBit is the lowest bit available to names registered from config.
const FirstCustomBit = 6

var BuiltInPerms = map[string]Permission{
	"read":            PermRead,
	"write":           PermWrite,
	"manage_messages": PermManageMessages,
	"manage_channels": PermManageChannels,
	"manage_roles":    PermManageRoles,
	"announce":        PermAnnounce,
	"administrator":   PermAdministrator,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Apply layers one override on top of p: denied bits are cleared first, then
// allowed bits are set.
func (p Permission) Apply(allow, deny Permission) Permission {
	return (p &^ deny) | allow
}
