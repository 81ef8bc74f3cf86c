package devcache

import (
	"github.com/cockroachdb/errors"

	"github.com/tensorbit/devcache/device"
)

// pendingFree is a freed block waiting for the device to finish with it. One
// completion event is recorded per stream that touched the block; the block
// re-enters the free index only once every event has been observed complete
// and no IPC share still references it. Until then the block stays marked
// taken in its segment's metadata, so it cannot be handed out, coalesced, or
// released with its segment.
type pendingFree struct {
	alloc  *Allocation
	events []device.Event
}

// snapshotEvents records one completion event per distinct stream that touched
// the allocation. Device execution is asynchronous: work issued on any of
// these streams may still be in flight when the host-side free returns, and
// reusing the memory before that work completes is a silent data race.
func snapshotEvents(driver device.Driver, alloc *Allocation) ([]device.Event, error) {
	events := make([]device.Event, 0, 1+len(alloc.extraStreams))

	event, err := driver.RecordEvent(alloc.device, alloc.stream)
	if err != nil {
		return nil, errors.Wrapf(err, "recording free event on stream %d", alloc.stream)
	}
	events = append(events, event)

	for _, stream := range alloc.extraStreams {
		event, err = driver.RecordEvent(alloc.device, stream)
		if err != nil {
			return nil, errors.Wrapf(err, "recording free event on stream %d", stream)
		}
		events = append(events, event)
	}

	return events, nil
}

// resolved polls this entry's remaining events, discarding the ones that have
// completed. It returns true once none remain. A transient false from the
// driver only delays recycling; it never unblocks it early.
func (p *pendingFree) resolved(driver device.Driver) (bool, error) {
	remaining := p.events[:0]
	for i, event := range p.events {
		done, err := driver.EventComplete(event)
		if err != nil {
			p.events = append(remaining, p.events[i:]...)
			return false, errors.Wrap(err, "polling free event")
		}
		if !done {
			remaining = append(remaining, event)
		}
	}
	p.events = remaining

	return len(p.events) == 0, nil
}

// sharesReleased reports whether every IPC share minted for the allocation has
// dropped to zero references everywhere.
func (p *pendingFree) sharesReleased(driver device.Driver) (bool, error) {
	for _, id := range p.alloc.shares {
		refs, err := driver.ShareRefCount(id)
		if err != nil {
			return false, errors.Wrapf(err, "checking share %d", id)
		}
		if refs > 0 {
			return false, nil
		}
	}
	return true, nil
}
