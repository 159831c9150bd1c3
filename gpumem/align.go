package gpumem

import (
	"math/bits"

	"github.com/vkngwrapper/arsenal/memutils"
	"golang.org/x/exp/slog"
)

// Size tiers for pooled buffer allocations. A request is routed to the
// smallest tier that fits; anything above the large bound bypasses pooling
// and goes straight to the backend.
type sizeTier int

const (
	tierSmall sizeTier = iota
	tierMedium
	tierLarge
	tierCount
)

const (
	smallTierSize  = 256 * 1024
	mediumTierSize = 4 * 1024 * 1024
	largeTierSize  = 64 * 1024 * 1024
)

// Alignment bands are independent of the pooling tiers: tiny buffers stay on
// cache-line-friendly 256-byte boundaries, everything else below the large
// bound is padded to whole 4 KiB pages.
const (
	smallBufferAlignment = 256
	pageAlignment        = 4096
	smallBufferThreshold = 1024
)

var tierBlockSizes = [tierCount]int{
	tierSmall:  smallTierSize,
	tierMedium: mediumTierSize,
	tierLarge:  largeTierSize,
}

// tierForSize maps an aligned size to its pooling tier. The second return is
// false for oversized requests that must be allocated un-pooled.
func tierForSize(size int) (sizeTier, bool) {
	switch {
	case size <= smallTierSize:
		return tierSmall, true
	case size <= mediumTierSize:
		return tierMedium, true
	case size <= largeTierSize:
		return tierLarge, true
	}
	return tierCount, false
}

// AlignBufferSize reports the size a buffer request of the given size will
// be padded to before allocation. Non-positive sizes map to 0. The result is
// idempotent and never smaller than the input.
func (a *Allocator) AlignBufferSize(size int) int {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.alignBufferSize(size)
}

func (a *Allocator) alignBufferSize(size int) int {
	if size <= 0 {
		return 0
	}

	if a.customAlignment != 0 {
		return memutils.AlignUp(size, a.customAlignment)
	}

	switch {
	case size < smallBufferThreshold:
		return memutils.AlignUp(size, smallBufferAlignment)
	case size < largeTierSize:
		return memutils.AlignUp(size, pageAlignment)
	}

	// Oversized allocations are passed through untouched- the backend's own
	// block alignment takes over.
	return size
}

// SetBufferAlignment replaces the tiered alignment rules with one global
// alignment. A non-power-of-two value is rounded up to the next power of two
// with a warning rather than rejected. Passing 0 restores the tiered rules.
func (a *Allocator) SetBufferAlignment(alignment uint) {
	a.logger.Debug("Allocator::SetBufferAlignment", slog.Uint64("Alignment", uint64(alignment)))

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if alignment != 0 && memutils.CheckPow2(alignment, "buffer alignment") != nil {
		rounded := uint(1) << bits.Len(alignment)
		a.logger.Warn("requested buffer alignment is not a power of two, rounding up",
			slog.Uint64("Requested", uint64(alignment)),
			slog.Uint64("Rounded", uint64(rounded)),
		)
		alignment = rounded
	}

	a.customAlignment = alignment
}
