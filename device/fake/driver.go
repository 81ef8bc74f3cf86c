// Package fake provides an in-process device.Driver backed by host memory.
// Event completion is driven externally, out-of-memory failures can be
// injected, and segment traffic is counted, which makes it suitable for
// exercising allocator behavior that depends on asynchronous device state.
// Segments are real byte slices, so data written through an exported segment
// is observable through an imported one.
package fake

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/tensorbit/devcache/device"
)

type segment struct {
	buf    []byte
	device device.DeviceIndex
	size   int
}

type share struct {
	seg      *segment
	refs     int
	released bool
}

type deviceCounters struct {
	segmentAllocs int
	segmentFrees  int
	capacityUsed  int
}

// Driver is a controllable device.Driver. The zero value is not usable; create
// instances with NewDriver.
type Driver struct {
	mutex sync.Mutex

	deviceCount int
	capacity    int // per-device byte budget, 0 means unlimited
	failAllocs  int // inject this many ErrOutOfMemory results before honoring requests

	segments map[unsafe.Pointer]*segment
	counters []deviceCounters

	nextEvent    device.Event
	eventDevices map[device.Event]device.DeviceIndex
	eventDone    map[device.Event]bool

	nextShare device.ShareID
	shares    map[device.ShareID]*share
}

var _ device.Driver = (*Driver)(nil)

// NewDriver creates a fake driver exposing deviceCount devices with
// capacityPerDevice bytes each. A capacity of 0 means unlimited.
func NewDriver(deviceCount int, capacityPerDevice int) *Driver {
	return &Driver{
		deviceCount:  deviceCount,
		capacity:     capacityPerDevice,
		segments:     map[unsafe.Pointer]*segment{},
		counters:     make([]deviceCounters, deviceCount),
		eventDevices: map[device.Event]device.DeviceIndex{},
		eventDone:    map[device.Event]bool{},
		shares:       map[device.ShareID]*share{},
	}
}

func (d *Driver) DeviceCount() int { return d.deviceCount }

func (d *Driver) checkDevice(index device.DeviceIndex) error {
	if index < 0 || int(index) >= d.deviceCount {
		return errors.Newf("device index %d out of range, driver has %d devices", index, d.deviceCount)
	}
	return nil
}

func (d *Driver) AllocateSegment(index device.DeviceIndex, size int) (unsafe.Pointer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkDevice(index); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Newf("segment size must be positive, got %d", size)
	}

	if d.failAllocs > 0 {
		d.failAllocs--
		return nil, errors.Wrapf(device.ErrOutOfMemory, "injected failure on device %d", index)
	}

	counters := &d.counters[index]
	if d.capacity > 0 && counters.capacityUsed+size > d.capacity {
		return nil, errors.Wrapf(device.ErrOutOfMemory,
			"device %d has %d of %d bytes in use, cannot fit %d more",
			index, counters.capacityUsed, d.capacity, size)
	}

	seg := &segment{
		buf:    make([]byte, size),
		device: index,
		size:   size,
	}
	ptr := unsafe.Pointer(&seg.buf[0])
	d.segments[ptr] = seg
	counters.capacityUsed += size
	counters.segmentAllocs++

	return ptr, nil
}

func (d *Driver) FreeSegment(index device.DeviceIndex, ptr unsafe.Pointer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkDevice(index); err != nil {
		return err
	}

	seg, ok := d.segments[ptr]
	if !ok {
		return errors.Newf("pointer %p was not allocated by this driver", ptr)
	}
	if seg.device != index {
		return errors.Newf("pointer %p belongs to device %d, freed on device %d", ptr, seg.device, index)
	}

	delete(d.segments, ptr)
	d.counters[index].capacityUsed -= seg.size
	d.counters[index].segmentFrees++
	return nil
}

func (d *Driver) RecordEvent(index device.DeviceIndex, stream device.Stream) (device.Event, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkDevice(index); err != nil {
		return 0, err
	}

	d.nextEvent++
	event := d.nextEvent
	d.eventDevices[event] = index
	d.eventDone[event] = false
	return event, nil
}

func (d *Driver) EventComplete(event device.Event) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	done, ok := d.eventDone[event]
	if !ok {
		return false, errors.Newf("event %d was not recorded by this driver", event)
	}
	return done, nil
}

func (d *Driver) SynchronizeDevice(index device.DeviceIndex) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkDevice(index); err != nil {
		return err
	}

	for event, eventDevice := range d.eventDevices {
		if eventDevice == index {
			d.eventDone[event] = true
		}
	}
	return nil
}

func (d *Driver) ExportSegment(index device.DeviceIndex, ptr unsafe.Pointer) (device.ShareID, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkDevice(index); err != nil {
		return 0, err
	}

	seg, ok := d.segments[ptr]
	if !ok {
		return 0, errors.Newf("pointer %p was not allocated by this driver", ptr)
	}

	d.nextShare++
	id := d.nextShare
	d.shares[id] = &share{seg: seg, refs: 1}
	return id, nil
}

func (d *Driver) OpenSegment(id device.ShareID) (unsafe.Pointer, int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sh, ok := d.shares[id]
	if !ok {
		return nil, 0, errors.Wrapf(device.ErrUnknownShare, "share id %d", id)
	}
	if sh.released {
		return nil, 0, errors.Wrapf(device.ErrStaleShare, "share id %d", id)
	}
	if _, resident := d.segments[unsafe.Pointer(&sh.seg.buf[0])]; !resident {
		return nil, 0, errors.Wrapf(device.ErrUnknownShare, "share id %d references a freed segment", id)
	}

	sh.refs++
	return unsafe.Pointer(&sh.seg.buf[0]), sh.seg.size, nil
}

func (d *Driver) CloseSegment(id device.ShareID) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sh, ok := d.shares[id]
	if !ok {
		return errors.Wrapf(device.ErrUnknownShare, "share id %d", id)
	}
	if sh.refs <= 0 {
		return errors.Wrapf(device.ErrStaleShare, "share id %d", id)
	}

	sh.refs--
	if sh.refs == 0 {
		sh.released = true
	}
	return nil
}

func (d *Driver) ShareRefCount(id device.ShareID) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	sh, ok := d.shares[id]
	if !ok {
		return 0, errors.Wrapf(device.ErrUnknownShare, "share id %d", id)
	}
	return sh.refs, nil
}

// CompleteEvent marks a single recorded event complete.
func (d *Driver) CompleteEvent(event device.Event) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.eventDone[event]; !ok {
		panic(errors.Newf("event %d was not recorded by this driver", event))
	}
	d.eventDone[event] = true
}

// CompleteAllEvents marks every recorded event on every device complete.
func (d *Driver) CompleteAllEvents() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for event := range d.eventDone {
		d.eventDone[event] = true
	}
}

// LastEvent returns the most recently recorded event, or 0 if none exist.
func (d *Driver) LastEvent() device.Event {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.nextEvent
}

// FailNextAllocations makes the next count AllocateSegment calls fail with
// device.ErrOutOfMemory regardless of capacity.
func (d *Driver) FailNextAllocations(count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failAllocs = count
}

// SegmentAllocCount reports how many segments have been allocated on a device
// over the driver's lifetime.
func (d *Driver) SegmentAllocCount(index device.DeviceIndex) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counters[index].segmentAllocs
}

// SegmentFreeCount reports how many segments have been freed on a device over
// the driver's lifetime.
func (d *Driver) SegmentFreeCount(index device.DeviceIndex) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counters[index].segmentFrees
}

// LiveSegmentBytes reports the bytes currently allocated on a device.
func (d *Driver) LiveSegmentBytes(index device.DeviceIndex) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counters[index].capacityUsed
}
