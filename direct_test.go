package devcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorbit/devcache"
	"github.com/tensorbit/devcache/device/fake"
)

func TestDirectAllocateGoesStraightToDriver(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	// No size-class rounding and no caching: two same-size allocations are two
	// driver segments, and a free is an immediate driver free.
	first, err := direct.Allocate(0, 100, 1)
	require.NoError(t, err)
	require.Equal(t, 100, first.Size())

	second, err := direct.Allocate(0, 100, 1)
	require.NoError(t, err)
	require.Equal(t, 2, driver.SegmentAllocCount(0))

	require.NoError(t, direct.Free(first))
	require.Equal(t, 1, driver.SegmentFreeCount(0))
	require.Equal(t, 100, driver.LiveSegmentBytes(0))

	require.NoError(t, direct.Free(second))
	require.Equal(t, 0, driver.LiveSegmentBytes(0))
}

func TestDirectFreeSynchronizesDevice(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	alloc, err := direct.Allocate(0, 256, 1)
	require.NoError(t, err)

	event, err := driver.RecordEvent(0, 1)
	require.NoError(t, err)

	require.NoError(t, direct.Free(alloc))

	// The free stalled on the device, so outstanding work has completed.
	done, err := driver.EventComplete(event)
	require.NoError(t, err)
	require.True(t, done)
}

func TestDirectDoubleFreePanics(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	alloc, err := direct.Allocate(0, 256, 1)
	require.NoError(t, err)
	require.NoError(t, direct.Free(alloc))

	require.Panics(t, func() {
		_ = direct.Free(alloc)
	})
}

func TestDirectRejectsForeignAllocations(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	cached := newTestAllocator(t, driver, devcache.CreateOptions{})
	alloc, err := cached.Allocate(0, 256, 1)
	require.NoError(t, err)

	require.Error(t, direct.Free(alloc))
	require.NoError(t, cached.Free(alloc))
}

func TestDirectDestroyReportsLeaks(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	alloc, err := direct.Allocate(0, 256, 1)
	require.NoError(t, err)
	alloc.SetName("leaked-workspace")

	require.Error(t, direct.Destroy())

	// The memory itself still went back to the driver.
	require.Equal(t, 0, driver.LiveSegmentBytes(0))
}

func TestDirectDestroyCleanly(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	direct, err := devcache.NewDirectAllocator(nil, driver, 0)
	require.NoError(t, err)

	alloc, err := direct.Allocate(0, 256, 1)
	require.NoError(t, err)
	require.NoError(t, direct.Free(alloc))

	require.NoError(t, direct.Destroy())
}
