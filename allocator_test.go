package devcache_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorbit/devcache"
	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/device/fake"
)

func newTestAllocator(t *testing.T, driver *fake.Driver, options devcache.CreateOptions) *devcache.Allocator {
	t.Helper()

	allocator, err := devcache.New(nil, driver, options)
	require.NoError(t, err)
	return allocator
}

func TestNewValidatesOptions(t *testing.T) {
	driver := fake.NewDriver(1, 0)

	_, err := devcache.New(nil, nil, devcache.CreateOptions{})
	require.Error(t, err)

	_, err = devcache.New(nil, driver, devcache.CreateOptions{PreferredSegmentSize: -1})
	require.Error(t, err)

	_, err = devcache.New(nil, driver, devcache.CreateOptions{
		PreferredSegmentSize: 4096,
		MaxSegmentSize:       1024,
	})
	require.Error(t, err)

	_, err = devcache.New(nil, driver, devcache.CreateOptions{SegmentGrowthFactor: 0.5})
	require.Error(t, err)

	_, err = devcache.New(nil, fake.NewDriver(0, 0), devcache.CreateOptions{})
	require.Error(t, err)
}

func TestAllocateRoundTripReusesCachedBlock(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 1000, 7)
	require.NoError(t, err)
	require.Equal(t, 1024, alloc.Size()) // rounded to its size class
	require.Equal(t, device.Stream(7), alloc.Stream())
	require.Equal(t, 1, driver.SegmentAllocCount(0))

	firstPtr := alloc.Ptr()
	require.NoError(t, allocator.Free(alloc))

	// The block is pending until its free event fires; once it does, the next
	// same-stream allocation must come from the cache, not the driver.
	driver.CompleteAllEvents()

	again, err := allocator.Allocate(0, 1000, 7)
	require.NoError(t, err)
	require.Equal(t, firstPtr, again.Ptr())
	require.Equal(t, 1, driver.SegmentAllocCount(0))
	require.Equal(t, 0, driver.SegmentFreeCount(0))
}

func TestFreedBlockNotReusedBeforeEventFires(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	firstPtr := alloc.Ptr()
	require.NoError(t, allocator.Free(alloc))

	// Event never completed: the allocator must go to the driver rather than
	// hand out memory the device may still be writing.
	again, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.NotEqual(t, firstPtr, again.Ptr())
	require.Equal(t, 2, driver.SegmentAllocCount(0))
}

func TestCrossStreamReassignment(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	firstPtr := alloc.Ptr()
	require.NoError(t, allocator.Free(alloc))
	driver.CompleteAllEvents()

	// No cached block for stream 2, but the quiesced stream-1 block can be
	// reassigned without a driver call.
	again, err := allocator.Allocate(0, 1024, 2)
	require.NoError(t, err)
	require.Equal(t, firstPtr, again.Ptr())
	require.Equal(t, device.Stream(2), again.Stream())
	require.Equal(t, 1, driver.SegmentAllocCount(0))
}

func TestMultiStreamFreeGatedOnAllEvents(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
		MaxSegmentSize:       1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	firstPtr := alloc.Ptr()
	require.NoError(t, allocator.RecordStream(alloc, 2))

	eventsBefore := driver.LastEvent()
	require.NoError(t, allocator.Free(alloc))
	require.Equal(t, eventsBefore+2, driver.LastEvent()) // one event per touched stream

	homeEvent := eventsBefore + 1
	extraEvent := eventsBefore + 2

	// Only the home stream has finished; the block must stay quarantined.
	driver.CompleteEvent(homeEvent)
	second, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.NotEqual(t, firstPtr, second.Ptr())
	require.Equal(t, 2, driver.SegmentAllocCount(0))

	// Once the second stream finishes too, the original block is reusable.
	driver.CompleteEvent(extraEvent)
	third, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.Equal(t, firstPtr, third.Ptr())
	require.Equal(t, 2, driver.SegmentAllocCount(0))
}

func TestCoalescingSatisfiesLargerRequest(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	first, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	second, err := allocator.Allocate(0, 512, 1)
	require.NoError(t, err)
	third, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	require.Equal(t, 1, driver.SegmentAllocCount(0))

	firstPtr := first.Ptr()

	// Freeing two adjacent blocks and re-requesting their combined size must
	// be served by the coalesced region, not a fresh segment.
	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Free(second))
	driver.CompleteAllEvents()

	combined, err := allocator.Allocate(0, 768, 1)
	require.NoError(t, err)
	require.Equal(t, firstPtr, combined.Ptr())
	require.Equal(t, 768, combined.Size())
	require.Equal(t, 1, driver.SegmentAllocCount(0))

	require.NoError(t, allocator.Free(third))
	require.NoError(t, allocator.Free(combined))
}

func TestOOMRecoveryHarvestsPendingFrees(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	firstPtr := alloc.Ptr()
	require.NoError(t, allocator.Free(alloc))

	// The free's event is still outstanding and the driver refuses new
	// segments: the only way to satisfy the request is the recovery pass,
	// which stalls on the device and then harvests the pending block.
	driver.FailNextAllocations(2)

	again, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.Equal(t, firstPtr, again.Ptr())
	require.Equal(t, 1, driver.SegmentAllocCount(0))
}

func TestOOMPropagatesWhenUnrecoverable(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	driver.FailNextAllocations(3)

	_, err := allocator.Allocate(0, 1024, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
}

func TestOOMRecoveryReleasesUnusedSegments(t *testing.T) {
	driver := fake.NewDriver(1, 2048)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
		MaxSegmentSize:       1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(alloc))
	driver.CompleteAllEvents()

	// The cached 1024-byte segment cannot serve a 2048-byte request, and the
	// device only has room for it once that segment goes back.
	big, err := allocator.Allocate(0, 2048, 1)
	require.NoError(t, err)
	require.Equal(t, 2048, big.Size())
	require.Equal(t, 1, driver.SegmentFreeCount(0))
}

func TestNoTwoLiveAllocationsOverlap(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 4096,
	})

	type interval struct{ start, end uintptr }
	live := map[*devcache.Allocation]interval{}

	checkNoOverlap := func(alloc *devcache.Allocation) {
		start := uintptr(alloc.Ptr())
		end := start + uintptr(alloc.Size())
		for other, span := range live {
			require.Truef(t, end <= span.start || span.end <= start,
				"allocation [%x, %x) overlaps live allocation [%x, %x) (%p)",
				start, end, span.start, span.end, other)
		}
		live[alloc] = interval{start, end}
	}

	sizes := []int{256, 1024, 512, 4096, 256, 2048, 768, 256}
	var allocations []*devcache.Allocation
	for i, size := range sizes {
		alloc, err := allocator.Allocate(0, size, device.Stream(i%3))
		require.NoError(t, err)
		checkNoOverlap(alloc)
		allocations = append(allocations, alloc)
	}

	// Free every other allocation, let the device quiesce, then allocate
	// through the recycled regions again.
	for i := 0; i < len(allocations); i += 2 {
		require.NoError(t, allocator.Free(allocations[i]))
		delete(live, allocations[i])
	}
	driver.CompleteAllEvents()

	for i, size := range []int{512, 300, 2000, 256, 700} {
		alloc, err := allocator.Allocate(0, size, device.Stream(i%2))
		require.NoError(t, err)
		checkNoOverlap(alloc)
	}
}

func TestSegmentGrowthPolicy(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
		SegmentGrowthFactor:  2.0,
	})

	_, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.Equal(t, 1024, driver.LiveSegmentBytes(0))

	// The first segment is exhausted, so the next miss doubles the request.
	_, err = allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.Equal(t, 2, driver.SegmentAllocCount(0))
	require.Equal(t, 1024+2048, driver.LiveSegmentBytes(0))

	// The second segment's remainder serves this one without a driver call.
	_, err = allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.Equal(t, 2, driver.SegmentAllocCount(0))
}

func TestReleaseUnusedSegments(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
		MaxSegmentSize:       1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	keep, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(alloc))
	driver.CompleteAllEvents()

	require.NoError(t, allocator.ReleaseUnusedSegments(0))
	require.Equal(t, 1, driver.SegmentFreeCount(0))
	require.Equal(t, 1024, driver.LiveSegmentBytes(0))

	require.NoError(t, allocator.Free(keep))
}

func TestRecordStreamAfterFreeFails(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{})

	alloc, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(alloc))

	require.Error(t, allocator.RecordStream(alloc, 2))
}

func TestDoubleFreePanics(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{})

	alloc, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(alloc))

	require.Panics(t, func() {
		_ = allocator.Free(alloc)
	})
}

func TestAllocateRejectsBadArguments(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{})

	_, err := allocator.Allocate(0, 0, 1)
	require.Error(t, err)

	_, err = allocator.Allocate(0, -5, 1)
	require.Error(t, err)

	_, err = allocator.Allocate(3, 256, 1)
	require.Error(t, err)
}

func TestAllocationForPointer(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{})

	alloc, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)

	found, err := allocator.AllocationForPointer(alloc.Ptr())
	require.NoError(t, err)
	require.Same(t, alloc, found)

	require.NoError(t, allocator.Free(alloc))

	_, err = allocator.AllocationForPointer(alloc.Ptr())
	require.Error(t, err)
}

func TestDestroyReportsLeaks(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{})

	alloc, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	alloc.SetName("leaked-tensor")

	require.Error(t, allocator.Destroy())
}

func TestDestroyCleanly(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(alloc))

	// Destroy synchronizes the device itself; no external event completion
	// is needed.
	require.NoError(t, allocator.Destroy())
	require.Equal(t, driver.SegmentAllocCount(0), driver.SegmentFreeCount(0))
	require.Equal(t, 0, driver.LiveSegmentBytes(0))
}

func TestMultipleDevicesAreIndependent(t *testing.T) {
	driver := fake.NewDriver(2, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	a0, err := allocator.Allocate(0, 1024, 1)
	require.NoError(t, err)
	a1, err := allocator.Allocate(1, 1024, 1)
	require.NoError(t, err)

	require.Equal(t, device.DeviceIndex(0), a0.Device())
	require.Equal(t, device.DeviceIndex(1), a1.Device())
	require.Equal(t, 1, driver.SegmentAllocCount(0))
	require.Equal(t, 1, driver.SegmentAllocCount(1))

	// A cached block on device 0 cannot serve device 1.
	require.NoError(t, allocator.Free(a0))
	driver.CompleteAllEvents()

	b1, err := allocator.Allocate(1, 1024, 1)
	require.NoError(t, err)
	require.NotEqual(t, a0.Ptr(), b1.Ptr())
	require.Equal(t, 2, driver.SegmentAllocCount(1))
}

func TestBuildStatsString(t *testing.T) {
	driver := fake.NewDriver(1, 0)
	allocator := newTestAllocator(t, driver, devcache.CreateOptions{
		PreferredSegmentSize: 1024,
	})

	alloc, err := allocator.Allocate(0, 256, 1)
	require.NoError(t, err)
	alloc.SetName("weights")

	stats := allocator.BuildStatsString(true)
	require.NotEmpty(t, stats)
	require.True(t, strings.Contains(stats, "\"Total\""))
	require.True(t, strings.Contains(stats, "weights"))

	summary := allocator.CalculateStatistics()
	require.Equal(t, 1, summary.SegmentCount)
	require.Equal(t, 1024, summary.SegmentBytes)
	require.Equal(t, 1, summary.AllocationCount)
	require.Equal(t, 256, summary.AllocationBytes)
}
