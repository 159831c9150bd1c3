package gpumem

// AllocationHandle is the opaque identifier returned for every successful
// allocation. It packs an index into the allocator's record table with a
// generation counter, so a handle that outlives its allocation goes stale
// instead of aliasing whatever reuses the slot. The zero value is never a
// valid handle.
type AllocationHandle uint64

// NullAllocation is the invalid handle returned from failed allocations.
const NullAllocation AllocationHandle = 0

func makeHandle(index int, generation uint32) AllocationHandle {
	return AllocationHandle(uint64(index)<<32 | uint64(generation))
}

func (h AllocationHandle) tableIndex() int {
	return int(uint64(h) >> 32)
}

func (h AllocationHandle) generation() uint32 {
	return uint32(h)
}

// allocationRecord is the tracked state for one live allocation.
type allocationRecord struct {
	alloc           DeviceAllocation
	size            int
	kind            ResourceKind
	memoryTypeIndex int

	generation uint32
	live       bool
}

// handleTable is a dense generation-checked record table. Freed slots go on
// a free list and are reissued with a bumped generation, which keeps the hot
// allocate/free path at two slice indexes and no hashing.
type handleTable struct {
	entries   []allocationRecord
	freeSlots []int
	liveCount int
}

func (t *handleTable) insert(alloc DeviceAllocation, size int, kind ResourceKind, memoryTypeIndex int) AllocationHandle {
	var index int
	if n := len(t.freeSlots); n > 0 {
		index = t.freeSlots[n-1]
		t.freeSlots = t.freeSlots[:n-1]
	} else {
		index = len(t.entries)
		t.entries = append(t.entries, allocationRecord{})
	}

	entry := &t.entries[index]
	entry.generation++
	entry.alloc = alloc
	entry.size = size
	entry.kind = kind
	entry.memoryTypeIndex = memoryTypeIndex
	entry.live = true

	t.liveCount++
	return makeHandle(index, entry.generation)
}

// lookup returns the record behind a handle, or nil if the handle is null,
// stale, or was never issued.
func (t *handleTable) lookup(h AllocationHandle) *allocationRecord {
	index := h.tableIndex()
	if index >= len(t.entries) {
		return nil
	}

	entry := &t.entries[index]
	if !entry.live || entry.generation != h.generation() {
		return nil
	}

	return entry
}

func (t *handleTable) remove(h AllocationHandle) (allocationRecord, bool) {
	entry := t.lookup(h)
	if entry == nil {
		return allocationRecord{}, false
	}

	record := *entry
	entry.live = false
	entry.alloc = nil
	t.freeSlots = append(t.freeSlots, h.tableIndex())
	t.liveCount--

	return record, true
}

// forEachLive visits every live record. Used for leak reporting during
// teardown and for the detailed stats dump.
func (t *handleTable) forEachLive(visit func(h AllocationHandle, record *allocationRecord)) {
	for index := range t.entries {
		entry := &t.entries[index]
		if entry.live {
			visit(makeHandle(index, entry.generation), entry)
		}
	}
}

// MemoryTypeStatistics accumulates allocation traffic for one device memory
// type index. BytesAllocated and BytesFreed are lifetime counters until
// ResetStats collapses them to the live baseline.
type MemoryTypeStatistics struct {
	BytesAllocated     int
	BytesFreed         int
	CurrentAllocations int
	TotalAllocations   int
}
