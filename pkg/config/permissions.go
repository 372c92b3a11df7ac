package config

import (
	"fmt"
	"sync"

	"github.com/a-essam23/go-relay/pkg/state"
)

// lastCustomBit leaves bit 63 to PermAdministrator.
const lastCustomBit = 62

// PermissionRegistry maps permission names to bits. It starts with the
// built-in names; custom names get the next free bit from state.FirstCustomBit.
type PermissionRegistry struct {
	mu      sync.RWMutex
	names   map[string]state.Permission
	nextBit uint
}

func NewPermissionRegistry() *PermissionRegistry {
	r := &PermissionRegistry{
		names:   make(map[string]state.Permission, len(state.BuiltInPerms)),
		nextBit: state.FirstCustomBit,
	}
	for name, perm := range state.BuiltInPerms {
		r.names[name] = perm
	}
	return r
}

// Full returns a bitmap containing all registered permissions.
func (r *PermissionRegistry) Full() state.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap state.Permission
	for _, p := range r.names {
		bitmap |= p
	}
	return bitmap
}

func (r *PermissionRegistry) Register(name string) (state.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return 0, fmt.Errorf("permission name cannot be empty")
	}
	if _, exists := state.BuiltInPerms[name]; exists {
		return 0, fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
	}
	if _, exists := r.names[name]; exists {
		return 0, fmt.Errorf("permission '%s' is already registered", name)
	}
	if r.nextBit > lastCustomBit {
		return 0, fmt.Errorf("cannot register new permission '%s': no free permission bits left", name)
	}

	value := state.Permission(1) << r.nextBit
	r.names[name] = value
	r.nextBit++
	return value, nil
}

// CompilePermissions takes a slice of permission names and returns a combined bitmap.
func (r *PermissionRegistry) CompilePermissions(names []string) (state.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap state.Permission
	for _, name := range names {
		value, ok := r.names[name]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// All returns a copy of the registry for inspection.
func (r *PermissionRegistry) All() map[string]state.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regCopy := make(map[string]state.Permission, len(r.names))
	for k, v := range r.names {
		regCopy[k] = v
	}
	return regCopy
}
