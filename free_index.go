package devcache

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/metadata"
)

var freeEntryPool = sync.Pool{
	New: func() any {
		return &freeEntry{}
	},
}

// freeEntry is one reusable region in the free index. Entries are intrusive
// list nodes within their size-class bucket. Every indexed region has already
// had all of its completion events observed; it is safe to hand to any stream.
type freeEntry struct {
	segment *deviceSegment
	handle  metadata.BlockHandle
	size    int
	stream  device.Stream

	prevFree *freeEntry
	nextFree *freeEntry
	indexed  bool
}

// streamBuckets holds the size-class buckets for one stream. The occupancy
// bitmap has one bit per class so the search can skip empty classes with a
// single trailing-zeros instruction.
type streamBuckets struct {
	occupancy uint64
	classes   [maxSizeClasses]*freeEntry
}

// freeIndex is the per-device mapping from (stream, size class) to candidate
// free regions. It is not internally synchronized; the owning device state's
// mutex covers it.
type freeIndex struct {
	streams *swiss.Map[device.Stream, *streamBuckets]
}

func (idx *freeIndex) init() {
	idx.streams = swiss.NewMap[device.Stream, *streamBuckets](8)
}

func acquireFreeEntry(segment *deviceSegment, handle metadata.BlockHandle, size int, stream device.Stream) *freeEntry {
	e := freeEntryPool.Get().(*freeEntry)
	e.segment = segment
	e.handle = handle
	e.size = size
	e.stream = stream
	e.prevFree = nil
	e.nextFree = nil
	e.indexed = false
	return e
}

func releaseFreeEntry(e *freeEntry) {
	e.segment = nil
	freeEntryPool.Put(e)
}

func (idx *freeIndex) insert(e *freeEntry) {
	if e.indexed {
		panic(fmt.Sprintf("free region of %d bytes inserted into the index twice", e.size))
	}

	buckets, ok := idx.streams.Get(e.stream)
	if !ok {
		buckets = &streamBuckets{}
		idx.streams.Put(e.stream, buckets)
	}

	class := sizeClassIndex(e.size)
	e.nextFree = buckets.classes[class]
	e.prevFree = nil
	if e.nextFree != nil {
		e.nextFree.prevFree = e
	}
	buckets.classes[class] = e
	buckets.occupancy |= 1 << uint(class)
	e.indexed = true
}

func (idx *freeIndex) remove(e *freeEntry) {
	if !e.indexed {
		panic(fmt.Sprintf("free region of %d bytes removed from the index, but it is not a member", e.size))
	}

	buckets, ok := idx.streams.Get(e.stream)
	if !ok {
		panic(fmt.Sprintf("free region for stream %d has no bucket set", e.stream))
	}

	class := sizeClassIndex(e.size)
	if e.prevFree != nil {
		e.prevFree.nextFree = e.nextFree
	} else {
		buckets.classes[class] = e.nextFree
	}
	if e.nextFree != nil {
		e.nextFree.prevFree = e.prevFree
	}
	if buckets.classes[class] == nil {
		buckets.occupancy &^= 1 << uint(class)
	}

	e.prevFree = nil
	e.nextFree = nil
	e.indexed = false
}

// findBestFit returns the smallest indexed region of at least size bytes
// associated with the given stream, or nil.
func (idx *freeIndex) findBestFit(stream device.Stream, size int) *freeEntry {
	buckets, ok := idx.streams.Get(stream)
	if !ok {
		return nil
	}
	return bestFitInBuckets(buckets, size)
}

// findAnyStream returns the smallest indexed region of at least size bytes on
// any stream, or nil. The caller reassigns the region to the requesting
// stream; indexed regions carry no outstanding events, so the reassignment
// needs no synchronization with the region's previous stream.
func (idx *freeIndex) findAnyStream(size int) *freeEntry {
	var best *freeEntry

	idx.streams.Iter(func(stream device.Stream, buckets *streamBuckets) bool {
		candidate := bestFitInBuckets(buckets, size)
		if candidate != nil && (best == nil || candidate.size < best.size) {
			best = candidate
		}
		return false
	})

	return best
}

func bestFitInBuckets(buckets *streamBuckets, size int) *freeEntry {
	startClass := sizeClassIndex(size)

	// Regions in the request's own class may still be smaller than the
	// request, so that bucket is scanned for a fitting best match. Every
	// region in a higher class is large enough by construction, so the first
	// occupied higher class yields the best fit directly.
	var best *freeEntry
	for e := buckets.classes[startClass]; e != nil; e = e.nextFree {
		if e.size >= size && (best == nil || e.size < best.size) {
			best = e
		}
	}
	if best != nil {
		return best
	}

	higher := buckets.occupancy &^ ((uint64(1) << uint(startClass+1)) - 1)
	if higher == 0 {
		return nil
	}

	class := bits.TrailingZeros64(higher)
	for e := buckets.classes[class]; e != nil; e = e.nextFree {
		if best == nil || e.size < best.size {
			best = e
		}
	}
	return best
}
