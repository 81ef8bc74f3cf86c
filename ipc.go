package devcache

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/tensorbit/devcache/device"
)

// ipcHandleVersion guards the serialized handle layout. Handles from a
// different layout fail with ErrInvalidHandle instead of misparsing.
const ipcHandleVersion = 1

type ipcHandle struct {
	device device.DeviceIndex
	share  device.ShareID
	offset int
	size   int
}

// GetIPCHandle exports a cached allocation for use by another process. The
// returned bytes are an opaque, serializable descriptor; the block is pinned
// against recycling until every reference to the handle is released and the
// exporter frees the allocation.
func (a *Allocator) GetIPCHandle(alloc *Allocation) ([]byte, error) {
	if alloc == nil || alloc.allocationType != allocationTypeBlock {
		return nil, errors.Wrap(ErrInvalidHandle, "only cached device allocations can be exported")
	}

	state, err := a.deviceState(alloc.device)
	if err != nil {
		return nil, err
	}

	state.mutex.Lock()
	defer state.mutex.Unlock()

	if alloc.freed {
		return nil, errors.Wrap(ErrInvalidHandle, "allocation was already freed")
	}

	share, err := a.driver.ExportSegment(alloc.device, alloc.segment.ptr)
	if err != nil {
		return nil, errors.Wrap(err, "exporting segment for ipc")
	}
	alloc.shares = append(alloc.shares, share)

	offset, err := alloc.segment.metadata.BlockOffset(alloc.handle)
	if err != nil {
		return nil, err
	}

	return marshalIPCHandle(ipcHandle{
		device: alloc.device,
		share:  share,
		offset: offset,
		size:   alloc.size,
	}), nil
}

// OpenIPCHandle maps an exported allocation into this allocator. The result is
// a view: it has no free-index membership and freeing it only closes the
// mapping. It fails with ErrInvalidHandle when the bytes are malformed or the
// underlying segment is no longer resident, and with ErrStaleHandle when the
// handle was fully released before this call.
func (a *Allocator) OpenIPCHandle(data []byte) (*Allocation, error) {
	handle, err := unmarshalIPCHandle(data)
	if err != nil {
		return nil, err
	}

	base, segmentSize, err := a.driver.OpenSegment(handle.share)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrStaleShare):
			return nil, errors.Wrapf(ErrStaleHandle, "share %d", handle.share)
		case errors.Is(err, device.ErrUnknownShare):
			return nil, errors.Wrapf(ErrInvalidHandle, "share %d", handle.share)
		}
		return nil, errors.Wrap(err, "opening ipc segment")
	}

	if handle.offset < 0 || handle.size <= 0 || handle.offset+handle.size > segmentSize {
		closeErr := a.driver.CloseSegment(handle.share)
		if closeErr != nil {
			return nil, closeErr
		}
		return nil, errors.Wrapf(ErrInvalidHandle,
			"handle range [%d, %d) does not fit the %d-byte segment",
			handle.offset, handle.offset+handle.size, segmentSize)
	}

	alloc := &Allocation{}
	alloc.init(handle.device, 0)
	alloc.allocationType = allocationTypeImported
	alloc.ptr = unsafe.Add(base, handle.offset)
	alloc.size = handle.size
	alloc.shares = append(alloc.shares, handle.share)

	a.registerPointer(alloc)
	return alloc, nil
}

// ReleaseIPCHandle drops the exporter-side reference a GetIPCHandle call
// retained. Once every importer has freed its view as well, the exported block
// becomes eligible for normal recycling again.
func (a *Allocator) ReleaseIPCHandle(data []byte) error {
	handle, err := unmarshalIPCHandle(data)
	if err != nil {
		return err
	}

	err = a.driver.CloseSegment(handle.share)
	switch {
	case errors.Is(err, device.ErrStaleShare):
		return errors.Wrapf(ErrStaleHandle, "share %d", handle.share)
	case errors.Is(err, device.ErrUnknownShare):
		return errors.Wrapf(ErrInvalidHandle, "share %d", handle.share)
	}
	return err
}

func (a *Allocator) freeImported(alloc *Allocation) error {
	if alloc.freed {
		panic("double free of an imported ipc allocation")
	}
	alloc.freed = true
	a.unregisterPointer(alloc)

	err := a.driver.CloseSegment(alloc.shares[0])
	if err != nil {
		return errors.Wrap(err, "closing imported ipc segment")
	}
	return nil
}

func marshalIPCHandle(handle ipcHandle) []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Version").Int(ipcHandleVersion)
	obj.Name("Device").Int(int(handle.device))
	obj.Name("Share").Int(int(handle.share))
	obj.Name("Offset").Int(handle.offset)
	obj.Name("Size").Int(handle.size)
	obj.End()

	return writer.Bytes()
}

func unmarshalIPCHandle(data []byte) (ipcHandle, error) {
	var handle ipcHandle
	version := 0

	reader := jreader.NewReader(data)
	for obj := reader.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "Version":
			version = reader.Int()
		case "Device":
			handle.device = device.DeviceIndex(reader.Int())
		case "Share":
			handle.share = device.ShareID(reader.Int())
		case "Offset":
			handle.offset = reader.Int()
		case "Size":
			handle.size = reader.Int()
		}
	}

	if err := reader.Error(); err != nil {
		return ipcHandle{}, errors.Wrap(ErrInvalidHandle, err.Error())
	}
	if version != ipcHandleVersion {
		return ipcHandle{}, errors.Wrapf(ErrInvalidHandle, "unsupported handle version %d", version)
	}
	return handle, nil
}

// IPCAllocator adapts an Allocator's import path to the DeviceAllocator
// interface so the registry can expose cross-process pointers under their own
// role. It cannot allocate; it only adopts handles exported elsewhere.
type IPCAllocator struct {
	parent *Allocator
}

var _ DeviceAllocator = (*IPCAllocator)(nil)

func NewIPCAllocator(parent *Allocator) *IPCAllocator {
	return &IPCAllocator{parent: parent}
}

// Open maps an exported handle; see Allocator.OpenIPCHandle.
func (a *IPCAllocator) Open(data []byte) (*Allocation, error) {
	return a.parent.OpenIPCHandle(data)
}

func (a *IPCAllocator) Allocate(index device.DeviceIndex, size int, stream device.Stream) (*Allocation, error) {
	return nil, errors.New("the ipc allocator cannot allocate memory; open an exported handle instead")
}

func (a *IPCAllocator) Free(alloc *Allocation) error {
	return a.parent.Free(alloc)
}
