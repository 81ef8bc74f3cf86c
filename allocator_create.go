// Package devcache implements a caching, stream-ordered allocator for device
// memory. It sits between a tensor-computation runtime and the raw device
// driver, amortizing the cost of device allocation calls by keeping freed
// blocks in per-device, per-stream pools and recycling them once the device
// has provably finished with them.
package devcache

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/tensorbit/devcache/device"
	"github.com/tensorbit/devcache/internal/utils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func (f CreateFlags) String() string {
	if f&AllocatorCreateExternallySynchronized != 0 {
		return "AllocatorCreateExternallySynchronized"
	}
	return ""
}

const (
	// defaultPreferredSegmentSize is used as the PreferredSegmentSize when none is provided
	// via CreateOptions. It is equal to 1Mb.
	defaultPreferredSegmentSize int = 1024 * 1024
	// defaultMaxSegmentSize caps segment growth when no MaxSegmentSize is provided via
	// CreateOptions. It is equal to 64Mb.
	defaultMaxSegmentSize int = 64 * 1024 * 1024
	// defaultSegmentGrowthFactor doubles the segment size on each cache miss until
	// MaxSegmentSize is reached.
	defaultSegmentGrowthFactor float64 = 2.0
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// PreferredSegmentSize is the size of the first segment requested from the
	// driver on each device. Individual requests larger than this produce a
	// segment sized to the request.
	PreferredSegmentSize int

	// MaxSegmentSize caps segment growth. Requests larger than this still
	// succeed; they get a dedicated segment sized to the request.
	MaxSegmentSize int

	// SegmentGrowthFactor scales the requested segment size on every cache
	// miss, so that workloads with a large working set converge to a few big
	// driver calls instead of many small ones. Must be at least 1.
	SegmentGrowthFactor float64
}

// New creates an Allocator on top of the provided driver, managing every
// device the driver exposes.
//
// logger - Destination for diagnostic output. May be nil to use slog.Default.
//
// driver - The device primitive layer allocations are drawn from.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, driver device.Driver, options CreateOptions) (*Allocator, error) {
	if driver == nil {
		return nil, errors.New("attempted to create an allocator with a nil driver")
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	preferredSegmentSize := options.PreferredSegmentSize
	if preferredSegmentSize == 0 {
		preferredSegmentSize = defaultPreferredSegmentSize
	}
	maxSegmentSize := options.MaxSegmentSize
	if maxSegmentSize == 0 {
		maxSegmentSize = defaultMaxSegmentSize
	}
	growthFactor := options.SegmentGrowthFactor
	if growthFactor == 0 {
		growthFactor = defaultSegmentGrowthFactor
	}

	if preferredSegmentSize < 0 || maxSegmentSize < preferredSegmentSize {
		return nil, errors.Newf("invalid segment sizing: preferred %d, max %d", preferredSegmentSize, maxSegmentSize)
	}
	if growthFactor < 1 {
		return nil, errors.Newf("segment growth factor must be at least 1, got %f", growthFactor)
	}

	allocator := &Allocator{
		driver:      driver,
		logger:      logger,
		createFlags: options.Flags,
		useMutex:    useMutex,

		preferredSegmentSize: preferredSegmentSize,
		maxSegmentSize:       maxSegmentSize,
		growthFactor:         growthFactor,

		livePointers: swiss.NewMap[uintptr, *Allocation](42),
	}
	allocator.pointerMutex.UseMutex = useMutex

	deviceCount := driver.DeviceCount()
	if deviceCount <= 0 {
		return nil, errors.Newf("driver reports %d devices, nothing to manage", deviceCount)
	}

	allocator.devices = make([]*deviceState, deviceCount)
	for i := 0; i < deviceCount; i++ {
		state := &deviceState{
			index:           device.DeviceIndex(i),
			nextSegmentSize: preferredSegmentSize,
		}
		state.mutex = utils.OptionalMutex{UseMutex: useMutex}
		state.freeIdx.init()
		allocator.devices[i] = state
	}

	return allocator, nil
}
