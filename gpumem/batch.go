package gpumem

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// BatchAllocation is one member of a batch allocation. Members are tracked
// individually- the batch itself is not an entity, so a member can be freed
// through DestroyBuffer just as well as through FreeBufferBatch.
type BatchAllocation struct {
	Buffer core1_0.Buffer
	Handle AllocationHandle
	Size   int
}

// AllocateBufferBatch allocates one buffer per entry of sizes, all sharing
// the same usage flags and memory usage hint. The strategy is applied once
// for the whole batch; each size is aligned individually. A member that
// fails to allocate is logged and skipped without failing the rest of the
// batch, so the result may be shorter than sizes.
//
// The whole batch runs under one acquisition of the allocation mutex and is
// accounted as a unit.
func (a *Allocator) AllocateBufferBatch(sizes []int, usage core1_0.BufferUsageFlags, memoryUsage MemoryUsage) []BatchAllocation {
	a.logger.Debug("Allocator::AllocateBufferBatch",
		slog.Int("Count", len(sizes)),
		slog.String("MemoryUsage", memoryUsage.String()),
	)

	if len(sizes) == 0 {
		return nil
	}

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("AllocateBufferBatch called on a destroyed Allocator")
		return nil
	}

	// One creation-info template and one strategy application for every
	// member of the batch
	template := core1_0.BufferCreateInfo{
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	}
	flags := a.strategy.apply(0)

	batch := make([]BatchAllocation, 0, len(sizes))
	for memberIndex, size := range sizes {
		bufferInfo := template
		bufferInfo.Size = size

		buffer, handle := a.allocateBuffer(bufferInfo, memoryUsage, flags)
		if handle == NullAllocation {
			a.logger.Error("batch member allocation failed, skipping",
				slog.Int("Member", memberIndex),
				slog.Int("Size", size),
			)
			continue
		}

		batch = append(batch, BatchAllocation{
			Buffer: buffer,
			Handle: handle,
			Size:   a.alignBufferSize(size),
		})
	}

	return batch
}

// FreeBufferBatch destroys every tracked member of a batch. Members with a
// nil buffer or null handle are skipped; unknown handles are the same no-op
// they are for DestroyBuffer.
func (a *Allocator) FreeBufferBatch(batch []BatchAllocation) {
	a.logger.Debug("Allocator::FreeBufferBatch", slog.Int("Count", len(batch)))

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("FreeBufferBatch called on a destroyed Allocator")
		return
	}

	for _, member := range batch {
		if member.Buffer == nil || member.Handle == NullAllocation {
			continue
		}
		a.destroyBuffer(member.Handle, member.Buffer)
	}
}
