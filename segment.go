package devcache

import (
	"context"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/metadata"
)

var segmentPool = sync.Pool{
	New: func() any {
		return &deviceSegment{}
	},
}

// deviceSegment is one contiguous region obtained from the driver, subdivided
// into blocks by its metadata. Segments are created on cache miss and returned
// to the driver only when fully free and explicitly released.
type deviceSegment struct {
	id     int
	device device.DeviceIndex
	ptr    unsafe.Pointer
	size   int
	logger *slog.Logger

	metadata *metadata.SegmentMetadata
}

func (s *deviceSegment) Init(
	logger *slog.Logger,
	deviceIndex device.DeviceIndex,
	ptr unsafe.Pointer,
	size int,
	id int,
) metadata.BlockHandle {
	if s.ptr != nil {
		panic("attempting to initialize a device segment that is already in use")
	}

	s.id = id
	s.device = deviceIndex
	s.ptr = ptr
	s.size = size
	s.logger = logger
	s.metadata = metadata.NewSegmentMetadata()

	return s.metadata.Init(size)
}

// Destroy returns the segment's memory to the driver. It fails if live
// allocations remain, logging each one.
func (s *deviceSegment) Destroy(driver device.Driver) error {
	if !s.metadata.IsEmpty() {
		err := s.metadata.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, userData any, free bool) error {
			if free {
				return nil
			}

			s.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			s.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this segment")
	}

	if s.ptr == nil {
		panic("attempting to destroy a device segment that has no backing memory")
	}

	err := driver.FreeSegment(s.device, s.ptr)
	if err != nil {
		return err
	}

	s.ptr = nil
	s.metadata = nil
	return nil
}

func (s *deviceSegment) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	var data any
	if allocation, isAllocation := userData.(*Allocation); isAllocation {
		data = allocation.UserData()
		if allocation.Name() != "" {
			name = allocation.Name()
		}
	}

	s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", data),
		slog.String("name", name),
	)
}

// blockPtr converts a block handle into the device pointer for its first byte.
func (s *deviceSegment) blockPtr(handle metadata.BlockHandle) unsafe.Pointer {
	offset, err := s.metadata.BlockOffset(handle)
	if err != nil {
		panic(err)
	}
	return unsafe.Add(s.ptr, offset)
}

func (s *deviceSegment) Validate() error {
	if s.ptr == nil {
		return errors.New("no valid memory for this segment")
	}
	if s.metadata.Size() != s.size {
		return errors.Errorf("segment is %d bytes but its metadata covers %d bytes", s.size, s.metadata.Size())
	}

	err := s.metadata.VisitAllRegions(func(handle metadata.BlockHandle, offset, size int, userData any, free bool) error {
		if free {
			if _, isEntry := userData.(*freeEntry); userData != nil && !isEntry {
				return errors.Errorf("the free region at offset %d carries foreign user data", offset)
			}
			return nil
		}

		switch userData.(type) {
		case *Allocation, *pendingFree:
			return nil
		}
		return errors.Errorf("the region at offset %d is taken but owned by neither a caller nor the pending queue", offset)
	})
	if err != nil {
		return err
	}

	return s.metadata.Validate()
}
