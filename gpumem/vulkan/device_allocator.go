// Package vulkan implements gpumem.DeviceAllocator on top of arsenal's vam
// allocator. It owns no policy: tiering, tracking, and defragmentation
// sessions all live in gpumem, and this package only translates requests
// into vam calls and keeps per-heap accounting the way vam's own device
// memory layer does.
package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anvil/gpumem"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

// DeviceAllocator is the vam-backed production backend for gpumem.
type DeviceAllocator struct {
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	allocator           *vam.Allocator
	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties

	// vam does not yet expose aggregate statistics, so allocation-level
	// accounting is kept here and block-level aggregates are approximated
	// by it. TODO: switch to vam's CalculateStatistics when the port gains
	// one.
	mutex           sync.Mutex
	allocationBytes int
	allocationCount int
	heapBytes       []int
	heapCount       []int
}

// CreateOptions configures the backend.
type CreateOptions struct {
	// VulkanCallbacks is passed to every buffer/image create and destroy.
	VulkanCallbacks *driver.AllocationCallbacks
	// AllocatorOptions is handed through to vam.New.
	AllocatorOptions vam.CreateOptions
}

// New creates a backend for the given device. The returned object satisfies
// gpumem.DeviceAllocator and can be handed straight to gpumem.New.
func New(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	options CreateOptions,
) (*DeviceAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil || physicalDevice == nil {
		return nil, errors.New("vulkan.New requires a non-nil physical device and device")
	}

	allocator, err := vam.New(logger, instance, physicalDevice, device, options.AllocatorOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the underlying vam allocator")
	}

	memoryProperties := physicalDevice.MemoryProperties()
	heapCount := len(memoryProperties.MemoryHeaps)

	return &DeviceAllocator{
		logger:              logger,
		device:              device,
		allocationCallbacks: options.VulkanCallbacks,
		allocator:           allocator,
		memoryProperties:    memoryProperties,

		heapBytes: make([]int, heapCount),
		heapCount: make([]int, heapCount),
	}, nil
}

func (d *DeviceAllocator) MemoryTypeCount() int {
	return len(d.memoryProperties.MemoryTypes)
}

func (d *DeviceAllocator) heapIndexForMemoryType(memoryTypeIndex int) int {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (d *DeviceAllocator) noteAllocated(alloc *Allocation) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	size := alloc.Size()
	heapIndex := d.heapIndexForMemoryType(alloc.MemoryTypeIndex())
	d.allocationBytes += size
	d.allocationCount++
	d.heapBytes[heapIndex] += size
	d.heapCount[heapIndex]++
}

func (d *DeviceAllocator) noteFreed(alloc *Allocation) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	size := alloc.Size()
	heapIndex := d.heapIndexForMemoryType(alloc.MemoryTypeIndex())
	d.allocationBytes -= size
	d.allocationCount--
	d.heapBytes[heapIndex] -= size
	d.heapCount[heapIndex]--
}

// Statistics reports allocation-level aggregates. Block bytes mirror
// allocation bytes until vam exposes its block lists.
func (d *DeviceAllocator) Statistics() memutils.Statistics {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return memutils.Statistics{
		BlockCount:      d.allocationCount,
		AllocationCount: d.allocationCount,
		BlockBytes:      d.allocationBytes,
		AllocationBytes: d.allocationBytes,
	}
}

// HeapBudgets reports per-heap usage against a budget of 80% of the heap
// size, matching the heuristic vam's device memory layer uses while the
// memory-budget extension remains unwired there.
func (d *DeviceAllocator) HeapBudgets() []gpumem.HeapBudget {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	budgets := make([]gpumem.HeapBudget, len(d.heapBytes))
	for heapIndex := range budgets {
		budgets[heapIndex] = gpumem.HeapBudget{
			Statistics: memutils.Statistics{
				BlockCount:      d.heapCount[heapIndex],
				AllocationCount: d.heapCount[heapIndex],
				BlockBytes:      d.heapBytes[heapIndex],
				AllocationBytes: d.heapBytes[heapIndex],
			},
			Usage:  d.heapBytes[heapIndex],
			Budget: d.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10,
		}
	}

	return budgets
}

// Defragment is not yet supported on this backend: vam's defragmentation is
// pass-based and relocations must be completed by copying GPU data and
// rebinding resources, which requires a transfer queue this backend does not
// own. TODO: accept a transfer-queue hookup and drive vam's pass API.
func (d *DeviceAllocator) Defragment(candidates []gpumem.DeviceAllocation, flags gpumem.DefragmentationFlags) (gpumem.DefragmentationStats, common.VkResult, error) {
	d.logger.Warn("defragmentation is not supported by the vam backend",
		slog.Int("Candidates", len(candidates)),
		slog.String("Flags", flags.String()),
	)

	return gpumem.DefragmentationStats{}, core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
}

// Destroy tears down the backend. Pools created through CreatePool are
// destroyed by the gpumem layer before this is called; vam itself holds no
// state that needs explicit teardown beyond them.
func (d *DeviceAllocator) Destroy() error {
	d.logger.Debug("vulkan.DeviceAllocator::Destroy")

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.allocationCount > 0 {
		return errors.Newf("the vam backend still has %d live allocations", d.allocationCount)
	}

	return nil
}
