package gpumem

import (
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage is the caller's hint about where an allocation should live and
// how it will be accessed. It is translated by the active backend into
// whatever memory-type preferences the underlying allocator understands.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown lets the backend choose freely.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly is device-local memory that the CPU never touches-
	// vertex/index/storage buffers, sampled images, render targets.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly is host memory the GPU reads rarely, such as staging
	// buffers that are written once and copied away.
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU is memory written sequentially by the CPU every
	// frame and read by the GPU- uniform buffers, dynamic vertex data.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU is memory written by the GPU and read back on the
	// host- queries, screenshots, readback buffers.
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:  "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// AllocationCreateFlags carries per-allocation hints to the backend. The
// strategy bits are populated from the active AllocationStrategy on every
// allocate call and should not be set by hand.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateStrategyMinTime asks the backend to choose the first
	// suitable free range rather than the best one, minimizing allocation
	// time at the cost of placement quality.
	AllocationCreateStrategyMinTime AllocationCreateFlags = 1 << iota
	// AllocationCreateStrategyMinMemory asks the backend to choose the
	// smallest suitable free range, minimizing waste and fragmentation.
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyBalancedDefrag asks the backend to prefer
	// placements that keep later compaction passes cheap.
	AllocationCreateStrategyBalancedDefrag
	// AllocationCreateDedicatedMemory gives the allocation its own device
	// memory block.
	AllocationCreateDedicatedMemory
	// AllocationCreateWithinBudget fails the allocation instead of
	// exceeding the heap budget.
	AllocationCreateWithinBudget

	AllocationCreateStrategyMask = AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyBalancedDefrag
)

func init() {
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyBalancedDefrag.Register("AllocationCreateStrategyBalancedDefrag")
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
}

// ResourceKind distinguishes what a tracked allocation is backing.
type ResourceKind uint32

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindImage
)

var resourceKindMapping = map[ResourceKind]string{
	ResourceKindBuffer: "Buffer",
	ResourceKindImage:  "Image",
}

func (k ResourceKind) String() string {
	str, ok := resourceKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// ResourceCreateOptions is the annotated request handed to the backend for
// each buffer or image allocation.
type ResourceCreateOptions struct {
	Usage MemoryUsage
	Flags AllocationCreateFlags
	// Pool, when non-nil, asks the backend to suballocate from this
	// pre-created fixed-block-size pool instead of its default heaps.
	Pool DevicePool
}

// DeviceAllocation is the backend's view of one live allocation. The layer
// above never inspects it beyond size and memory type; it is held only so it
// can be handed back for freeing and defragmentation.
type DeviceAllocation interface {
	Size() int
	MemoryTypeIndex() int
}

// DevicePool is one fixed-block-size sub-pool created through the backend.
type DevicePool interface {
	BlockSize() int
	Destroy() error
}

// HeapBudget is a point-in-time usage/ceiling pair for one device memory
// heap, plus the backend's per-heap aggregate statistics.
type HeapBudget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// DefragmentationStats summarizes one completed compaction pass.
type DefragmentationStats struct {
	BytesMoved       int
	BytesFreed       int
	AllocationsMoved int
	BlocksFreed      int
}

// DeviceAllocator is the underlying device-memory allocator this layer sits
// on. gpumem/vulkan provides the production implementation on top of
// arsenal's vam; tests substitute an in-memory fake.
//
// Implementations must be safe for concurrent use: the layer above holds its
// own locks for its bookkeeping, but backend calls from separate Allocators
// are not serialized here.
type DeviceAllocator interface {
	// CreateBuffer creates a buffer, binds fresh memory to it, and returns
	// both. A nil DeviceAllocation with a nil error is treated as failure.
	CreateBuffer(info core1_0.BufferCreateInfo, o ResourceCreateOptions) (core1_0.Buffer, DeviceAllocation, common.VkResult, error)
	// CreateImage is the image equivalent of CreateBuffer.
	CreateImage(info core1_0.ImageCreateInfo, o ResourceCreateOptions) (core1_0.Image, DeviceAllocation, common.VkResult, error)
	// DestroyBuffer destroys the buffer and frees its memory.
	DestroyBuffer(buffer core1_0.Buffer, alloc DeviceAllocation) error
	// DestroyImage destroys the image and frees its memory.
	DestroyImage(image core1_0.Image, alloc DeviceAllocation) error
	// FreeAllocation releases memory that is no longer bound to a live
	// resource, or whose resource is destroyed elsewhere.
	FreeAllocation(alloc DeviceAllocation) error

	// CreatePool creates one sub-pool with the given fixed block size,
	// suitable for allocations carrying the given usage.
	CreatePool(blockSize int, usage MemoryUsage) (DevicePool, common.VkResult, error)

	// Defragment synchronously compacts the given candidate allocations.
	Defragment(candidates []DeviceAllocation, flags DefragmentationFlags) (DefragmentationStats, common.VkResult, error)

	// Statistics reports aggregate block/allocation byte counts.
	Statistics() memutils.Statistics
	// HeapBudgets reports usage and budget for every device memory heap.
	HeapBudgets() []HeapBudget
	// MemoryTypeCount reports how many memory types the device exposes.
	MemoryTypeCount() int

	// Destroy tears the backend down. The Allocator calls this once from
	// its own Destroy.
	Destroy() error
}
