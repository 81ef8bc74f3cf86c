package devcache

import "github.com/pkg/errors"

// ErrInvalidHandle is returned from OpenIPCHandle when the handle bytes are
// malformed or reference a segment that is no longer resident.
var ErrInvalidHandle error = errors.New("invalid ipc handle")

// ErrStaleHandle is returned from OpenIPCHandle when the handle was valid once
// but every reference to it has since been released.
var ErrStaleHandle error = errors.New("stale ipc handle")

// ErrRoleAlreadyBound is returned from Registry.Register when the role has
// already been bound to an allocator.
var ErrRoleAlreadyBound error = errors.New("allocator role is already bound")

// ErrUnknownRole is returned from Registry.Resolve when no allocator was ever
// registered for the role.
var ErrUnknownRole error = errors.New("allocator role was never registered")
