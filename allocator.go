package devcache

import (
	"context"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/internal/utils"
	"github.com/tensorbit/devcache/memutils"
	"github.com/tensorbit/devcache/metadata"
)

// Allocator is the caching device-memory allocator. It satisfies requests from
// per-device pools of cached blocks whenever possible and only calls into the
// driver on a cache miss, deferring every free until the device has finished
// with the memory.
//
// All methods are safe for concurrent use unless the allocator was created
// with AllocatorCreateExternallySynchronized.
type Allocator struct {
	driver      device.Driver
	logger      *slog.Logger
	createFlags CreateFlags
	useMutex    bool

	preferredSegmentSize int
	maxSegmentSize       int
	growthFactor         float64

	devices []*deviceState

	// livePointers maps the base pointer of every outstanding allocation
	// (cached or imported) back to its Allocation, for consumers that only
	// carry raw pointers across their API boundary.
	pointerMutex utils.OptionalMutex
	livePointers *swiss.Map[uintptr, *Allocation]
}

var _ DeviceAllocator = (*Allocator)(nil)

// deviceState is everything the allocator tracks for one device: the cached
// segments, the free index, and the pending-free queue. One mutex covers all
// of it; allocate and free are short index operations, so a single lock beats
// finer-grained locking that would risk ordering bugs.
type deviceState struct {
	index device.DeviceIndex
	mutex utils.OptionalMutex

	segments      []*deviceSegment
	nextSegmentID int

	// nextSegmentSize is the driver request size for the next cache miss. It
	// grows geometrically so allocation-heavy workloads settle into a few
	// large segments.
	nextSegmentSize int

	freeIdx freeIndex
	pending []*pendingFree
}

func (a *Allocator) deviceState(index device.DeviceIndex) (*deviceState, error) {
	if index < 0 || int(index) >= len(a.devices) {
		return nil, errors.Newf("device index %d out of range, allocator manages %d devices", index, len(a.devices))
	}
	return a.devices[index], nil
}

// Allocate hands out a block of at least size bytes on the given device,
// associated with the given stream. The search order is: a cached block on the
// same stream, a cached block on any stream, a fresh segment from the driver,
// and finally the out-of-memory recovery path. It fails with an error matching
// device.ErrOutOfMemory only once recovery is exhausted.
func (a *Allocator) Allocate(index device.DeviceIndex, size int, stream device.Stream) (*Allocation, error) {
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, got %d", size)
	}

	state, err := a.deviceState(index)
	if err != nil {
		return nil, err
	}

	rounded := roundAllocationSize(size)

	state.mutex.Lock()
	alloc := &Allocation{}
	alloc.init(index, stream)
	err = a.allocateLocked(state, rounded, stream, alloc)
	state.mutex.Unlock()
	if err != nil {
		return nil, err
	}

	a.registerPointer(alloc)
	return alloc, nil
}

func (a *Allocator) allocateLocked(state *deviceState, rounded int, stream device.Stream, alloc *Allocation) error {
	// Sweep pending frees whose events have signaled since the last call, so
	// recently quiesced blocks are visible to this search.
	if err := a.harvestLocked(state); err != nil {
		return err
	}

	// A block reused on its own stream needs no extra synchronization, so the
	// exact-stream index is always preferred.
	if entry := state.freeIdx.findBestFit(stream, rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if entry := state.freeIdx.findAnyStream(rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}

	entry, err := a.createSegmentLocked(state, rounded, stream)
	if err == nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		return err
	}

	return a.recoverFromOOMLocked(state, rounded, stream, alloc, err)
}

// recoverFromOOMLocked is the one internal retry pass permitted on device
// exhaustion: harvest every pending free whose events have already signaled,
// recheck the cache, return fully-free segments to the driver, and retry the
// driver once. If that still fails, stall on a full device synchronization,
// harvest everything, and retry one final time before giving up.
func (a *Allocator) recoverFromOOMLocked(state *deviceState, rounded int, stream device.Stream, alloc *Allocation, oomErr error) error {
	a.logger.LogAttrs(context.Background(), slog.LevelWarn,
		"device out of memory, attempting to harvest pending frees",
		slog.Int("device", int(state.index)),
		slog.Int("requestedBytes", rounded))

	if err := a.harvestLocked(state); err != nil {
		return err
	}

	if entry := state.freeIdx.findBestFit(stream, rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if entry := state.freeIdx.findAnyStream(rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}

	if err := a.releaseEmptySegmentsLocked(state); err != nil {
		return err
	}

	entry, err := a.createSegmentLocked(state, rounded, stream)
	if err == nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		return err
	}

	// Last resort: a deliberate full-device stall.
	a.logger.LogAttrs(context.Background(), slog.LevelWarn,
		"harvest did not recover enough memory, synchronizing device",
		slog.Int("device", int(state.index)))

	if err = a.driver.SynchronizeDevice(state.index); err != nil {
		return errors.Wrap(err, "synchronizing device during out-of-memory recovery")
	}
	if err = a.harvestLocked(state); err != nil {
		return err
	}

	if entry := state.freeIdx.findBestFit(stream, rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if entry := state.freeIdx.findAnyStream(rounded); entry != nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}

	if err = a.releaseEmptySegmentsLocked(state); err != nil {
		return err
	}

	entry, err = a.createSegmentLocked(state, rounded, stream)
	if err == nil {
		a.commitLocked(state, entry, rounded, stream, alloc)
		return nil
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		return err
	}

	return errors.Wrapf(oomErr, "failed to allocate %d bytes on device %d after out-of-memory recovery", rounded, state.index)
}

// commitLocked removes entry from the free index, carves the requested bytes
// from the front of its region, and reindexes the remainder under the
// requesting stream.
func (a *Allocator) commitLocked(state *deviceState, entry *freeEntry, rounded int, stream device.Stream, alloc *Allocation) {
	state.freeIdx.remove(entry)

	segment := entry.segment
	taken, remainder, err := segment.metadata.Alloc(entry.handle, rounded, alloc)
	if err != nil {
		panic(fmt.Sprintf("free index and segment metadata disagree: %+v", err))
	}

	if remainder != metadata.NilBlock {
		remainderSize, sizeErr := segment.metadata.BlockSize(remainder)
		if sizeErr != nil {
			panic(fmt.Sprintf("split remainder vanished: %+v", sizeErr))
		}
		rest := acquireFreeEntry(segment, remainder, remainderSize, stream)
		if dataErr := segment.metadata.SetBlockUserData(remainder, rest); dataErr != nil {
			panic(fmt.Sprintf("split remainder vanished: %+v", dataErr))
		}
		state.freeIdx.insert(rest)
	}

	releaseFreeEntry(entry)

	alloc.allocationType = allocationTypeBlock
	alloc.segment = segment
	alloc.handle = taken
	alloc.ptr = segment.blockPtr(taken)
	alloc.size = rounded
	alloc.stream = stream

	memutils.DebugValidate(segment)
}

// createSegmentLocked requests a fresh segment from the driver, indexes it as
// one free region under the requesting stream, and advances the growth policy.
func (a *Allocator) createSegmentLocked(state *deviceState, rounded int, stream device.Stream) (*freeEntry, error) {
	segmentSize := state.nextSegmentSize
	if rounded > segmentSize {
		segmentSize = rounded
	}

	ptr, err := a.driver.AllocateSegment(state.index, segmentSize)
	if err != nil {
		return nil, err
	}

	grown := int(float64(state.nextSegmentSize) * a.growthFactor)
	if grown > a.maxSegmentSize {
		grown = a.maxSegmentSize
	}
	state.nextSegmentSize = grown

	segment := segmentPool.Get().(*deviceSegment)
	region := segment.Init(a.logger, state.index, ptr, segmentSize, state.nextSegmentID)
	state.nextSegmentID++
	state.segments = append(state.segments, segment)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created device segment",
		slog.Int("device", int(state.index)),
		slog.Int("segment", segment.id),
		slog.Int("bytes", segmentSize))

	entry := acquireFreeEntry(segment, region, segmentSize, stream)
	if err = segment.metadata.SetBlockUserData(region, entry); err != nil {
		panic(fmt.Sprintf("fresh segment region vanished: %+v", err))
	}
	state.freeIdx.insert(entry)

	return entry, nil
}

// Free returns an allocation to the allocator. Cached blocks are never handed
// back to the driver here: a completion event is recorded on every stream that
// touched the block and the block joins the pending-free queue, becoming
// reusable once those events signal. Imported allocations close their IPC
// mapping instead.
func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}

	switch alloc.allocationType {
	case allocationTypeBlock:
		return a.freeBlock(alloc)
	case allocationTypeImported:
		return a.freeImported(alloc)
	default:
		return errors.Newf("allocation of type %s does not belong to this allocator", alloc.allocationType)
	}
}

func (a *Allocator) freeBlock(alloc *Allocation) error {
	state, err := a.deviceState(alloc.device)
	if err != nil {
		return err
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()

	if alloc.freed {
		panic(fmt.Sprintf("double free of a %d-byte allocation on device %d", alloc.size, alloc.device))
	}
	alloc.freed = true
	a.unregisterPointer(alloc)

	events, err := snapshotEvents(a.driver, alloc)
	if err != nil {
		return err
	}

	entry := &pendingFree{alloc: alloc, events: events}
	if dataErr := alloc.segment.metadata.SetBlockUserData(alloc.handle, entry); dataErr != nil {
		panic(fmt.Sprintf("freed block vanished from its segment: %+v", dataErr))
	}
	state.pending = append(state.pending, entry)

	// Amortized sweep; free never blocks on device completion.
	return a.harvestLocked(state)
}

// harvestLocked moves every pending-free entry whose events have all signaled
// (and whose IPC shares, if any, are fully released) into the free index.
func (a *Allocator) harvestLocked(state *deviceState) error {
	remaining := state.pending[:0]
	var sweepErr error

	for i, entry := range state.pending {
		if sweepErr != nil {
			remaining = append(remaining, state.pending[i:]...)
			break
		}

		done, err := entry.resolved(a.driver)
		if err != nil {
			sweepErr = err
			remaining = append(remaining, entry)
			continue
		}
		if done {
			released, err := entry.sharesReleased(a.driver)
			if err != nil {
				sweepErr = err
			}
			done = done && released
		}
		if !done {
			remaining = append(remaining, entry)
			continue
		}

		a.recycleLocked(state, entry.alloc)
	}

	state.pending = remaining
	return sweepErr
}

// recycleLocked frees a harvested block in its segment's metadata, merging it
// with free neighbors, and indexes the resulting region under the stream the
// block last ran on.
func (a *Allocator) recycleLocked(state *deviceState, alloc *Allocation) {
	segment := alloc.segment

	result, err := segment.metadata.Free(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("pending block vanished from its segment: %+v", err))
	}

	if result.MergedPrev != nil {
		merged := result.MergedPrev.(*freeEntry)
		state.freeIdx.remove(merged)
		releaseFreeEntry(merged)
	}
	if result.MergedNext != nil {
		merged := result.MergedNext.(*freeEntry)
		state.freeIdx.remove(merged)
		releaseFreeEntry(merged)
	}

	regionSize, err := segment.metadata.BlockSize(result.Region)
	if err != nil {
		panic(fmt.Sprintf("merged free region vanished: %+v", err))
	}

	entry := acquireFreeEntry(segment, result.Region, regionSize, alloc.stream)
	if err = segment.metadata.SetBlockUserData(result.Region, entry); err != nil {
		panic(fmt.Sprintf("merged free region vanished: %+v", err))
	}
	state.freeIdx.insert(entry)

	memutils.DebugValidate(segment)
}

// RecordStream marks the allocation as touched by the given stream. Every
// distinct stream recorded here costs one completion event when the allocation
// is freed; without the record, reuse could race the stream's outstanding
// work.
func (a *Allocator) RecordStream(alloc *Allocation, stream device.Stream) error {
	if alloc == nil || alloc.allocationType != allocationTypeBlock {
		return errors.New("stream use can only be recorded on cached device allocations")
	}

	state, err := a.deviceState(alloc.device)
	if err != nil {
		return err
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()

	if alloc.freed {
		return errors.New("stream use recorded on an allocation that was already freed")
	}
	if !alloc.touchedBy(stream) {
		alloc.extraStreams = append(alloc.extraStreams, stream)
	}
	return nil
}

// ReleaseUnusedSegments returns every fully-free segment on the device to the
// driver. It is intended for memory-pressure signals; the allocator never
// calls it implicitly outside the out-of-memory recovery path.
func (a *Allocator) ReleaseUnusedSegments(index device.DeviceIndex) error {
	state, err := a.deviceState(index)
	if err != nil {
		return err
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()

	if err = a.harvestLocked(state); err != nil {
		return err
	}
	return a.releaseEmptySegmentsLocked(state)
}

func (a *Allocator) releaseEmptySegmentsLocked(state *deviceState) error {
	kept := state.segments[:0]
	var releaseErr error

	for _, segment := range state.segments {
		if releaseErr != nil || !segment.metadata.IsEmpty() {
			kept = append(kept, segment)
			continue
		}

		// A fully free segment has exactly one region; unlink it from the
		// index before the metadata goes away.
		err := segment.metadata.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, userData any, free bool) error {
			if !free {
				return errors.Newf("empty segment has a taken region at offset %d", offset)
			}
			if entry, isEntry := userData.(*freeEntry); isEntry {
				state.freeIdx.remove(entry)
				releaseFreeEntry(entry)
			}
			return nil
		})
		if err != nil {
			panic(fmt.Sprintf("segment emptiness bookkeeping is corrupt: %+v", err))
		}

		segmentID := segment.id
		segmentSize := segment.size
		if err = segment.Destroy(a.driver); err != nil {
			releaseErr = err
			kept = append(kept, segment)
			continue
		}
		segmentPool.Put(segment)

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released device segment",
			slog.Int("device", int(state.index)),
			slog.Int("segment", segmentID),
			slog.Int("bytes", segmentSize))
	}

	state.segments = kept
	return releaseErr
}

// Destroy tears the allocator down: it synchronizes every device, drains the
// pending-free queues, and returns every segment to the driver. Allocations
// that were never freed are logged and produce an error, mirroring a leak
// check at process teardown.
func (a *Allocator) Destroy() error {
	var destroyErr error

	for _, state := range a.devices {
		state.mutex.Lock()

		err := a.driver.SynchronizeDevice(state.index)
		if err == nil {
			err = a.harvestLocked(state)
		}
		if err == nil {
			err = a.releaseEmptySegmentsLocked(state)
		}
		if err == nil && len(state.segments) > 0 {
			for _, segment := range state.segments {
				// Destroy logs each unreleased allocation before failing.
				segErr := segment.Destroy(a.driver)
				if segErr != nil && err == nil {
					err = segErr
				}
			}
			state.segments = nil
		}
		if err == nil && len(state.pending) > 0 {
			err = errors.Newf("device %d still has %d pending frees after teardown", state.index, len(state.pending))
		}

		state.mutex.Unlock()

		if destroyErr == nil {
			destroyErr = err
		}
	}

	return destroyErr
}

// AllocationForPointer maps a raw device pointer previously returned by this
// allocator back to its Allocation.
func (a *Allocator) AllocationForPointer(ptr unsafe.Pointer) (*Allocation, error) {
	a.pointerMutex.Lock()
	defer a.pointerMutex.Unlock()

	alloc, ok := a.livePointers.Get(uintptr(ptr))
	if !ok {
		return nil, errors.Newf("pointer %p is not a live allocation of this allocator", ptr)
	}
	return alloc, nil
}

func (a *Allocator) registerPointer(alloc *Allocation) {
	a.pointerMutex.Lock()
	defer a.pointerMutex.Unlock()

	a.livePointers.Put(uintptr(alloc.ptr), alloc)
}

func (a *Allocator) unregisterPointer(alloc *Allocation) {
	a.pointerMutex.Lock()
	defer a.pointerMutex.Unlock()

	a.livePointers.Delete(uintptr(alloc.ptr))
}

// CalculateStatistics accumulates allocation statistics across every device.
func (a *Allocator) CalculateStatistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	for _, state := range a.devices {
		state.mutex.Lock()
		for _, segment := range state.segments {
			segment.metadata.AddDetailedStatistics(&stats)
		}
		state.mutex.Unlock()
	}

	return stats
}

// BuildStatsString produces a JSON description of the allocator's state. With
// detailed set, every segment lists its regions individually.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	root := writer.Object()

	var total memutils.Statistics
	for _, state := range a.devices {
		state.mutex.Lock()
		for _, segment := range state.segments {
			segment.metadata.AddStatistics(&total)
		}
		state.mutex.Unlock()
	}

	totalObj := root.Name("Total").Object()
	totalObj.Name("Segments").Int(total.SegmentCount)
	totalObj.Name("SegmentBytes").Int(total.SegmentBytes)
	totalObj.Name("Allocations").Int(total.AllocationCount)
	totalObj.Name("AllocationBytes").Int(total.AllocationBytes)
	totalObj.End()

	devicesObj := root.Name("Devices").Object()
	for _, state := range a.devices {
		state.mutex.Lock()

		deviceObj := devicesObj.Name(strconv.Itoa(int(state.index))).Object()
		deviceObj.Name("PendingFrees").Int(len(state.pending))

		segmentsObj := deviceObj.Name("Segments").Object()
		for _, segment := range state.segments {
			segmentObj := segmentsObj.Name(strconv.Itoa(segment.id)).Object()
			segment.metadata.SegmentJsonData(segmentObj)
			if detailed {
				a.printDetailedRegions(segment, segmentObj)
			}
			segmentObj.End()
		}
		segmentsObj.End()
		deviceObj.End()

		state.mutex.Unlock()
	}
	devicesObj.End()

	root.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedRegions(segment *deviceSegment, json jwriter.ObjectState) {
	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = segment.metadata.VisitAllRegions(
		func(handle metadata.BlockHandle, offset, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("free")
				obj.Name("Size").Int(size)
				return nil
			}

			switch data := userData.(type) {
			case *Allocation:
				data.printParameters(&obj)
			case *pendingFree:
				obj.Name("Type").String("pendingFree")
				obj.Name("Size").Int(size)
				obj.Name("OutstandingEvents").Int(len(data.events))
			default:
				obj.Name("Type").String("unknown")
				obj.Name("Size").Int(size)
			}
			return nil
		})
}
