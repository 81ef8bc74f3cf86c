package devcache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/internal/utils"
)

// DirectAllocator is the non-caching DeviceAllocator: every Allocate is a
// dedicated driver segment and every Free synchronizes the device before
// handing the segment straight back. It exists for workloads (and roles) that
// want driver-truth accounting over speed; the price it pays on every call is
// exactly what the caching allocator amortizes away.
type DirectAllocator struct {
	driver device.Driver
	logger *slog.Logger

	mutex utils.OptionalMutex
	live  *swiss.Map[uintptr, *Allocation]
}

var _ DeviceAllocator = (*DirectAllocator)(nil)

// NewDirectAllocator creates a DirectAllocator on top of the provided driver.
// logger may be nil to use slog.Default.
func NewDirectAllocator(logger *slog.Logger, driver device.Driver, flags CreateFlags) (*DirectAllocator, error) {
	if driver == nil {
		return nil, errors.New("attempted to create a direct allocator with a nil driver")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DirectAllocator{
		driver: driver,
		logger: logger,
		mutex:  utils.OptionalMutex{UseMutex: flags&AllocatorCreateExternallySynchronized == 0},
		live:   swiss.NewMap[uintptr, *Allocation](42),
	}, nil
}

func (a *DirectAllocator) Allocate(index device.DeviceIndex, size int, stream device.Stream) (*Allocation, error) {
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, got %d", size)
	}

	ptr, err := a.driver.AllocateSegment(index, size)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{}
	alloc.init(index, stream)
	alloc.allocationType = allocationTypeDedicated
	alloc.ptr = ptr
	alloc.size = size

	a.mutex.Lock()
	a.live.Put(uintptr(ptr), alloc)
	a.mutex.Unlock()

	return alloc, nil
}

func (a *DirectAllocator) Free(alloc *Allocation) error {
	if alloc == nil || alloc.allocationType != allocationTypeDedicated {
		return errors.New("allocation does not belong to this direct allocator")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if alloc.freed {
		panic("double free of a dedicated device allocation")
	}
	if _, tracked := a.live.Get(uintptr(alloc.ptr)); !tracked {
		return errors.Newf("pointer %p is not a live allocation of this direct allocator", alloc.ptr)
	}

	// No event tracking here: the device is drained before the memory goes
	// back, which is safe on every stream at full-stall cost.
	if err := a.driver.SynchronizeDevice(alloc.device); err != nil {
		return errors.Wrap(err, "synchronizing device before direct free")
	}
	if err := a.driver.FreeSegment(alloc.device, alloc.ptr); err != nil {
		return err
	}

	alloc.freed = true
	a.live.Delete(uintptr(alloc.ptr))
	return nil
}

// Destroy frees every outstanding allocation, logging each one as a leak.
func (a *DirectAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var leaked []*Allocation
	a.live.Iter(func(key uintptr, alloc *Allocation) bool {
		leaked = append(leaked, alloc)
		return false
	})

	var destroyErr error
	for _, alloc := range leaked {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed direct allocation",
			slog.Int("device", int(alloc.device)),
			slog.Int("size", alloc.size),
			slog.String("name", alloc.name))

		err := a.driver.SynchronizeDevice(alloc.device)
		if err == nil {
			err = a.driver.FreeSegment(alloc.device, alloc.ptr)
		}
		if err != nil && destroyErr == nil {
			destroyErr = err
		}
		a.live.Delete(uintptr(alloc.ptr))
	}

	if destroyErr == nil && len(leaked) > 0 {
		destroyErr = errors.Newf("%d direct allocations were never freed", len(leaked))
	}
	return destroyErr
}
