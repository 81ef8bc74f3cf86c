package devcache

import (
	"math/bits"

	"github.com/tensorbit/devcache/memutils"
)

const (
	// smallGranularity is the rounding step for small requests. Requests up to
	// smallThreshold round to a multiple of it.
	smallGranularity uint = 256
	// smallThreshold is the largest request that uses smallGranularity
	// rounding. Above it, requests round to the next power of two.
	smallThreshold = 4096
	// hugeThreshold is the request size beyond which power-of-two rounding
	// would waste too much; huge requests round to a multiple of
	// hugeGranularity instead.
	hugeThreshold       = 1024 * 1024
	hugeGranularity uint = 1024 * 1024

	// sizeClassShift is the log2 of the smallest size class. Every free region
	// indexed by the allocator is at least smallGranularity bytes.
	sizeClassShift = 8
	maxSizeClasses = 56
)

// roundAllocationSize rounds a requested byte count up to its size class.
// Internal fragmentation is bounded: at most smallGranularity-1 bytes for
// small requests, less than 2x for mid-size requests, and at most
// hugeGranularity-1 bytes for huge ones.
func roundAllocationSize(size int) int {
	switch {
	case size <= smallThreshold:
		return memutils.AlignUp(size, smallGranularity)
	case size <= hugeThreshold:
		return memutils.NextPowerOfTwo(size)
	default:
		return memutils.AlignUp(size, hugeGranularity)
	}
}

// sizeClassIndex buckets a region size by floor(log2). Regions within one
// bucket differ by less than 2x, so a short in-bucket scan yields the best
// fit, and every region in any higher bucket is guaranteed to satisfy a
// request classified into this one.
func sizeClassIndex(size int) int {
	class := bits.Len(uint(size)) - 1 - sizeClassShift
	if class < 0 {
		return 0
	}
	if class >= maxSizeClasses {
		return maxSizeClasses - 1
	}
	return class
}
