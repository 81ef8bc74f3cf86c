// Package device defines the primitive contract between the caching
// allocator and the underlying device driver: raw segment allocation,
// stream-ordered completion events, and IPC segment sharing. Implementations
// of Driver perform no caching of their own; every AllocateSegment or
// FreeSegment call is assumed to be expensive and potentially
// device-synchronizing, which is exactly the cost the layers above exist to
// amortize.
package device

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned from Driver.AllocateSegment when the device has no
// memory left to satisfy the request. It is the only driver failure the caching
// allocator attempts to recover from.
var ErrOutOfMemory error = errors.New("device out of memory")

// ErrUnknownShare is returned from IPC methods when the provided ShareID was never
// exported by this driver.
var ErrUnknownShare error = errors.New("unknown segment share")

// ErrStaleShare is returned from Driver.OpenSegment when the provided ShareID was
// exported but has since been fully released by every holder.
var ErrStaleShare error = errors.New("segment share has been fully released")

// DeviceIndex identifies a single device managed by a Driver. Valid indices
// are 0 through Driver.DeviceCount()-1.
type DeviceIndex int

// Stream identifies an ordered, asynchronous queue of device work. Operations
// enqueued on different streams may complete in any order relative to one
// another. The zero value is the device's default stream.
type Stream uint64

// Event is an opaque marker recorded on a stream. Once every operation
// enqueued on the stream before the record point has completed, the event
// becomes complete and stays complete.
type Event uint64

// ShareID is an opaque cross-process identity for an exported segment.
type ShareID uint64

// Driver is the raw device interface consumed by the allocators in this
// module. All methods are safe for concurrent use.
type Driver interface {
	// DeviceCount returns the number of devices this driver manages.
	DeviceCount() int

	// AllocateSegment obtains one contiguous region of device memory. It fails
	// with an error matching ErrOutOfMemory when the device is exhausted; any
	// other error is a driver fault and is not retried by callers.
	AllocateSegment(device DeviceIndex, size int) (unsafe.Pointer, error)

	// FreeSegment returns a region previously obtained from AllocateSegment.
	// The caller must guarantee no outstanding device work references it.
	FreeSegment(device DeviceIndex, ptr unsafe.Pointer) error

	// RecordEvent records a completion marker on the given stream.
	RecordEvent(device DeviceIndex, stream Stream) (Event, error)

	// EventComplete polls an event without blocking. A false result may be
	// transiently stale, but a true result is authoritative: all work enqueued
	// before the event has finished.
	EventComplete(event Event) (bool, error)

	// SynchronizeDevice blocks until every operation on every stream of the
	// device has completed. Last-resort call; the caching allocator only uses
	// it during out-of-memory recovery and teardown.
	SynchronizeDevice(device DeviceIndex) error

	// ExportSegment publishes a segment for cross-process use and retains one
	// shared reference on behalf of the exporter.
	ExportSegment(device DeviceIndex, ptr unsafe.Pointer) (ShareID, error)

	// OpenSegment maps an exported segment into the calling process, retaining
	// one shared reference, and returns its base pointer and size.
	OpenSegment(id ShareID) (unsafe.Pointer, int, error)

	// CloseSegment releases one shared reference on an exported segment.
	CloseSegment(id ShareID) error

	// ShareRefCount reports the number of live shared references on an
	// exported segment. Zero means every holder has released it.
	ShareRefCount(id ShareID) (int, error)
}
