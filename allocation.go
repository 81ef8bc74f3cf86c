package devcache

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/metadata"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	// allocationTypeBlock is a sub-range of a cached segment, owned by the
	// caching allocator.
	allocationTypeBlock
	// allocationTypeDedicated is a whole segment allocated directly from the
	// driver, owned by a DirectAllocator.
	allocationTypeDedicated
	// allocationTypeImported is a view of another process's exported block,
	// mapped through an IPC handle. It has no free-index membership.
	allocationTypeImported
)

var allocationTypeMapping = make(map[allocationType]string)

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[allocationTypeNone] = "allocationTypeNone"
	allocationTypeMapping[allocationTypeBlock] = "allocationTypeBlock"
	allocationTypeMapping[allocationTypeDedicated] = "allocationTypeDedicated"
	allocationTypeMapping[allocationTypeImported] = "allocationTypeImported"
}

// Allocation is a live region of device memory handed to a caller. It remains
// valid until passed to the Free method of the allocator that produced it.
type Allocation struct {
	ptr    unsafe.Pointer
	size   int
	device device.DeviceIndex

	allocationType allocationType
	userData       any
	name           string

	// stream is the stream the allocation was made on (or reassigned to).
	// extraStreams lists every other stream that has touched the memory since
	// the allocation was handed out; each one costs a completion event at free
	// time.
	stream       device.Stream
	extraStreams []device.Stream

	segment *deviceSegment
	handle  metadata.BlockHandle

	// shares holds the IPC share identities minted for this block
	// (allocationTypeBlock) or the single share this view was opened from
	// (allocationTypeImported).
	shares []device.ShareID

	freed bool
}

// Ptr returns the device pointer for this allocation.
func (a *Allocation) Ptr() unsafe.Pointer { return a.ptr }

// Size returns the usable size in bytes. It may exceed the requested size due
// to size-class rounding.
func (a *Allocation) Size() int { return a.size }

// Device returns the index of the device the memory lives on.
func (a *Allocation) Device() device.DeviceIndex { return a.device }

// Stream returns the stream this allocation is currently associated with.
func (a *Allocation) Stream() device.Stream { return a.stream }

// UserData retrieves an arbitrary value attached to this allocation with
// SetUserData.
func (a *Allocation) UserData() any { return a.userData }

// SetUserData attaches an arbitrary value to this allocation.
func (a *Allocation) SetUserData(data any) { a.userData = data }

// Name retrieves the diagnostic name assigned with SetName, if any.
func (a *Allocation) Name() string { return a.name }

// SetName assigns a diagnostic name that appears in stats dumps and leak
// reports.
func (a *Allocation) SetName(name string) { a.name = name }

func (a *Allocation) init(device device.DeviceIndex, stream device.Stream) {
	a.ptr = nil
	a.size = 0
	a.device = device
	a.allocationType = allocationTypeNone
	a.userData = nil
	a.name = ""
	a.stream = stream
	a.extraStreams = a.extraStreams[:0]
	a.segment = nil
	a.handle = metadata.NilBlock
	a.shares = a.shares[:0]
	a.freed = false
}

// touchedBy reports whether the given stream is already in this allocation's
// touched set.
func (a *Allocation) touchedBy(stream device.Stream) bool {
	if stream == a.stream {
		return true
	}
	for _, s := range a.extraStreams {
		if s == stream {
			return true
		}
	}
	return false
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("Size").Int(a.size)
	json.Name("Stream").Int(int(a.stream))

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
	if len(a.extraStreams) > 0 {
		streams := json.Name("ExtraStreams").Array()
		for _, s := range a.extraStreams {
			streams.Int(int(s))
		}
		streams.End()
	}
}
