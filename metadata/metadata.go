// Package metadata provides bookkeeping for a single device memory segment:
// an ordered chain of blocks covering the segment without gaps, carved up and
// recombined as the consumer allocates and frees sub-ranges. It knows nothing
// about streams, events, or devices; the caching layer above supplies that.
package metadata

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/tensorbit/devcache/memutils"
)

// BlockHandle maps to a single live region (allocated or free) within a
// SegmentMetadata. Handles are never reused within one segment.
type BlockHandle uint64

// NilBlock is the zero BlockHandle. It never maps to a live region.
const NilBlock BlockHandle = 0

var blockAllocator = sync.Pool{
	New: func() any {
		return &block{}
	},
}

type block struct {
	offset int
	size   int
	free   bool

	prevPhysical *block
	nextPhysical *block

	userData any
	handle   BlockHandle
}

// FreeResult describes the outcome of SegmentMetadata.Free: the handle of the
// resulting free region and the userData of any free neighbors that were
// absorbed into it. The caller must stop referencing the absorbed regions'
// handles; they are gone.
type FreeResult struct {
	Region     BlockHandle
	MergedPrev any
	MergedNext any
}

// SegmentMetadata tracks the blocks of one segment. It is not internally
// synchronized; the owner must serialize access.
type SegmentMetadata struct {
	size       int
	allocCount int
	freeCount  int
	freeSize   int

	nextHandle BlockHandle
	handleKey  *swiss.Map[BlockHandle, *block]
	head       *block
}

func NewSegmentMetadata() *SegmentMetadata {
	return &SegmentMetadata{}
}

func (m *SegmentMetadata) allocateBlock() *block {
	b := blockAllocator.Get().(*block)
	b.offset = 0
	b.size = 0
	b.free = false
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.userData = nil
	b.handle = BlockHandle(atomic.AddUint64((*uint64)(&m.nextHandle), 1))
	m.handleKey.Put(b.handle, b)
	return b
}

func (m *SegmentMetadata) freeBlock(b *block) {
	m.handleKey.Delete(b.handle)
	blockAllocator.Put(b)
}

func (m *SegmentMetadata) getBlock(handle BlockHandle) (*block, error) {
	b, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Newf("handle %d does not map to a live region of this segment", handle)
	}
	return b, nil
}

// Init prepares the metadata to manage size bytes and returns the handle of
// the single free region spanning the whole segment.
func (m *SegmentMetadata) Init(size int) BlockHandle {
	if size <= 0 {
		panic(fmt.Sprintf("segment metadata initialized with invalid size %d", size))
	}

	m.size = size
	m.handleKey = swiss.NewMap[BlockHandle, *block](42)

	m.head = m.allocateBlock()
	m.head.size = size
	m.head.free = true
	m.freeCount = 1
	m.freeSize = size

	return m.head.handle
}

// Size returns the size in bytes the metadata was initialized with.
func (m *SegmentMetadata) Size() int { return m.size }

// AllocationCount returns the number of live allocated regions.
func (m *SegmentMetadata) AllocationCount() int { return m.allocCount }

// FreeRegionCount returns the number of free regions. Adjacent free regions
// are always merged, so this is also the fragmentation picture.
func (m *SegmentMetadata) FreeRegionCount() int { return m.freeCount }

// SumFreeSize returns the free bytes in the segment.
func (m *SegmentMetadata) SumFreeSize() int { return m.freeSize }

// IsEmpty returns true when no allocated regions remain.
func (m *SegmentMetadata) IsEmpty() bool { return m.allocCount == 0 }

// Alloc carves size bytes from the front of the free region identified by
// region. It returns the handle of the now-allocated block and the handle of
// the remainder free region, or NilBlock when the region was consumed
// exactly. The allocated block carries userData.
func (m *SegmentMetadata) Alloc(region BlockHandle, size int, userData any) (BlockHandle, BlockHandle, error) {
	b, err := m.getBlock(region)
	if err != nil {
		return NilBlock, NilBlock, err
	}
	if !b.free {
		panic(fmt.Sprintf("allocating from the region at offset %d, but it is already taken", b.offset))
	}
	if size <= 0 || size > b.size {
		return NilBlock, NilBlock, errors.Newf("cannot carve %d bytes from a free region of %d bytes", size, b.size)
	}

	remainder := NilBlock
	if size < b.size {
		rest := m.allocateBlock()
		rest.offset = b.offset + size
		rest.size = b.size - size
		rest.free = true

		rest.prevPhysical = b
		rest.nextPhysical = b.nextPhysical
		if b.nextPhysical != nil {
			b.nextPhysical.prevPhysical = rest
		}
		b.nextPhysical = rest

		b.size = size
		remainder = rest.handle
	} else {
		m.freeCount--
	}

	b.free = false
	b.userData = userData
	m.allocCount++
	m.freeSize -= size

	return b.handle, remainder, nil
}

// Free releases the allocated block identified by handle and merges it with
// any free neighbors. The freed block's handle survives as the handle of the
// merged region; absorbed neighbors' userData is reported so the caller can
// drop its references to them.
func (m *SegmentMetadata) Free(handle BlockHandle) (FreeResult, error) {
	b, err := m.getBlock(handle)
	if err != nil {
		return FreeResult{}, err
	}
	if b.free {
		panic(fmt.Sprintf("double free of the region at offset %d size %d", b.offset, b.size))
	}

	b.free = true
	b.userData = nil
	m.allocCount--
	m.freeCount++
	m.freeSize += b.size

	result := FreeResult{Region: b.handle}

	if prev := b.prevPhysical; prev != nil && prev.free {
		result.MergedPrev = prev.userData
		b.offset = prev.offset
		b.size += prev.size
		b.prevPhysical = prev.prevPhysical
		if prev.prevPhysical != nil {
			prev.prevPhysical.nextPhysical = b
		} else {
			m.head = b
		}
		m.freeCount--
		m.freeBlock(prev)
	}

	if next := b.nextPhysical; next != nil && next.free {
		result.MergedNext = next.userData
		b.size += next.size
		b.nextPhysical = next.nextPhysical
		if next.nextPhysical != nil {
			next.nextPhysical.prevPhysical = b
		}
		m.freeCount--
		m.freeBlock(next)
	}

	return result, nil
}

// BlockOffset returns the offset in bytes of a live region.
func (m *SegmentMetadata) BlockOffset(handle BlockHandle) (int, error) {
	b, err := m.getBlock(handle)
	if err != nil {
		return 0, err
	}
	return b.offset, nil
}

// BlockSize returns the size in bytes of a live region.
func (m *SegmentMetadata) BlockSize(handle BlockHandle) (int, error) {
	b, err := m.getBlock(handle)
	if err != nil {
		return 0, err
	}
	return b.size, nil
}

// IsFreeRegion reports whether a live region is free.
func (m *SegmentMetadata) IsFreeRegion(handle BlockHandle) (bool, error) {
	b, err := m.getBlock(handle)
	if err != nil {
		return false, err
	}
	return b.free, nil
}

// BlockUserData returns the userData attached to a live region.
func (m *SegmentMetadata) BlockUserData(handle BlockHandle) (any, error) {
	b, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	return b.userData, nil
}

// SetBlockUserData replaces the userData attached to a live region.
func (m *SegmentMetadata) SetBlockUserData(handle BlockHandle, userData any) error {
	b, err := m.getBlock(handle)
	if err != nil {
		return err
	}
	b.userData = userData
	return nil
}

// VisitAllRegions calls the provided callback once per region, allocated and
// free, in physical order.
func (m *SegmentMetadata) VisitAllRegions(visit func(handle BlockHandle, offset, size int, userData any, free bool) error) error {
	for b := m.head; b != nil; b = b.nextPhysical {
		err := visit(b.handle, b.offset, b.size, b.userData, b.free)
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate performs internal consistency checks. When the implementation is
// functioning correctly it cannot fail, but it is useful when diagnosing
// corruption.
func (m *SegmentMetadata) Validate() error {
	if m.head == nil {
		return errors.New("metadata has not been initialized")
	}
	if m.head.offset != 0 {
		return errors.Newf("first region starts at offset %d, expected 0", m.head.offset)
	}

	var calculatedSize, calculatedFreeSize int
	var allocCount, freeCount int
	prevFree := false

	for b := m.head; b != nil; b = b.nextPhysical {
		if b.size <= 0 {
			return errors.Newf("region at offset %d has invalid size %d", b.offset, b.size)
		}
		if b.offset != calculatedSize {
			return errors.Newf("region at offset %d leaves a gap, expected offset %d", b.offset, calculatedSize)
		}
		if b.free && prevFree {
			return errors.Newf("adjacent free regions at offset %d were not merged", b.offset)
		}
		if b.nextPhysical != nil && b.nextPhysical.prevPhysical != b {
			return errors.Newf("region at offset %d has a broken reverse link", b.offset)
		}

		mapped, ok := m.handleKey.Get(b.handle)
		if !ok || mapped != b {
			return errors.Newf("region at offset %d is not indexed by its handle", b.offset)
		}

		calculatedSize += b.size
		if b.free {
			calculatedFreeSize += b.size
			freeCount++
		} else {
			allocCount++
		}
		prevFree = b.free
	}

	if calculatedSize != m.size {
		return errors.Newf("regions cover %d bytes, segment is %d bytes", calculatedSize, m.size)
	}
	if calculatedFreeSize != m.freeSize {
		return errors.Newf("free bytes tracked as %d, measured %d", m.freeSize, calculatedFreeSize)
	}
	if allocCount != m.allocCount || freeCount != m.freeCount {
		return errors.Newf("region counts tracked as %d/%d, measured %d/%d",
			m.allocCount, m.freeCount, allocCount, freeCount)
	}

	return nil
}

// AddStatistics sums this segment's data into stats.
func (m *SegmentMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.SegmentCount++
	stats.SegmentBytes += m.size
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.size - m.freeSize
}

// AddDetailedStatistics sums this segment's data into stats, including free
// range detail.
func (m *SegmentMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.SegmentCount++
	stats.SegmentBytes += m.size

	for b := m.head; b != nil; b = b.nextPhysical {
		if b.free {
			stats.AddUnusedRange(b.size)
		} else {
			stats.AddAllocation(b.size)
		}
	}
}

// SegmentJsonData populates a json object with summary information about this
// segment.
func (m *SegmentMetadata) SegmentJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.freeSize)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("UnusedRanges").Int(m.freeCount)
}
