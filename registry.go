package devcache

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tensorbit/devcache/device"
)

// Role names a logical allocator slot the tensor runtime resolves at startup.
type Role string

const (
	// RoleDeviceDefault is the allocator backing ordinary tensor storage.
	RoleDeviceDefault Role = "device-default"
	// RoleDeviceDirect is a non-caching allocator that talks straight to the
	// driver on every call.
	RoleDeviceDirect Role = "device-direct"
	// RoleUnified is reserved for a unified-virtual-addressing allocator.
	// Nothing in this module registers it; host-visible memory management
	// lives with the runtime.
	RoleUnified Role = "unified"
	// RoleIPC is the allocator that adopts cross-process handles.
	RoleIPC Role = "ipc"
)

// DeviceAllocator is the minimal allocation surface the tensor runtime
// consumes. The caching Allocator, DirectAllocator, and IPCAllocator all
// implement it.
type DeviceAllocator interface {
	Allocate(index device.DeviceIndex, size int, stream device.Stream) (*Allocation, error)
	Free(alloc *Allocation) error
}

// Registry maps allocator roles to implementations. It is built once during
// process initialization, passed explicitly to whoever resolves allocators,
// and stays valid until process exit; there is no unregistration path.
type Registry struct {
	mutex   sync.Mutex
	entries map[Role]DeviceAllocator
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[Role]DeviceAllocator{},
	}
}

// Register binds an allocator to a role. Binding an already-bound role fails
// with ErrRoleAlreadyBound; registration is not an overwrite operation.
func (r *Registry) Register(role Role, allocator DeviceAllocator) error {
	if allocator == nil {
		return errors.Newf("attempted to register a nil allocator for role %q", role)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, bound := r.entries[role]; bound {
		return errors.Wrapf(ErrRoleAlreadyBound, "role %q", role)
	}
	r.entries[role] = allocator
	return nil
}

// Resolve returns the allocator bound to a role, failing with ErrUnknownRole
// if the role was never registered.
func (r *Registry) Resolve(role Role) (DeviceAllocator, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	allocator, bound := r.entries[role]
	if !bound {
		return nil, errors.Wrapf(ErrUnknownRole, "role %q", role)
	}
	return allocator, nil
}
