package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anvil/gpumem"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Allocation wraps one vam allocation behind gpumem.DeviceAllocation.
type Allocation struct {
	vamAlloc vam.Allocation
}

func (a *Allocation) Size() int {
	return a.vamAlloc.Size()
}

func (a *Allocation) MemoryTypeIndex() int {
	return a.vamAlloc.MemoryTypeIndex()
}

// allocationCreateInfo translates a gpumem request into vam vocabulary. The
// usage hints follow the classic VMA mapping: device-preferred memory for
// GPU-resident data, host-preferred with the matching host access pattern
// for anything the CPU touches.
func allocationCreateInfo(o gpumem.ResourceCreateOptions) vam.AllocationCreateInfo {
	createInfo := vam.AllocationCreateInfo{}

	switch o.Usage {
	case gpumem.MemoryUsageGPUOnly:
		createInfo.Usage = vam.MemoryUsageAutoPreferDevice
	case gpumem.MemoryUsageCPUOnly:
		createInfo.Usage = vam.MemoryUsageAutoPreferHost
		createInfo.Flags |= memutils.AllocationCreateHostAccessRandom
	case gpumem.MemoryUsageCPUToGPU:
		createInfo.Usage = vam.MemoryUsageAutoPreferDevice
		createInfo.Flags |= memutils.AllocationCreateHostAccessSequentialWrite
	case gpumem.MemoryUsageGPUToCPU:
		createInfo.Usage = vam.MemoryUsageAutoPreferHost
		createInfo.Flags |= memutils.AllocationCreateHostAccessRandom
	default:
		createInfo.Usage = vam.MemoryUsageAuto
	}

	if o.Flags&gpumem.AllocationCreateStrategyMinTime != 0 {
		createInfo.Flags |= memutils.AllocationCreateStrategyMinTime
	}
	if o.Flags&(gpumem.AllocationCreateStrategyMinMemory|gpumem.AllocationCreateStrategyBalancedDefrag) != 0 {
		createInfo.Flags |= memutils.AllocationCreateStrategyMinMemory
	}
	if o.Flags&gpumem.AllocationCreateDedicatedMemory != 0 {
		createInfo.Flags |= memutils.AllocationCreateDedicatedMemory
	}
	if o.Flags&gpumem.AllocationCreateWithinBudget != 0 {
		createInfo.Flags |= memutils.AllocationCreateWithinBudget
	}

	if o.Pool != nil {
		pool, ok := o.Pool.(*Pool)
		if ok {
			createInfo.Pool = pool.vamPool
		}
	}

	return createInfo
}

// CreateBuffer creates the buffer, allocates memory for it through vam, and
// binds the two together. Partial failures unwind what was created.
func (d *DeviceAllocator) CreateBuffer(info core1_0.BufferCreateInfo, o gpumem.ResourceCreateOptions) (core1_0.Buffer, gpumem.DeviceAllocation, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(d.allocationCallbacks, info)
	if err != nil {
		return nil, nil, res, err
	}

	alloc := &Allocation{}
	res, err = d.allocator.AllocateMemoryForBuffer(buffer, allocationCreateInfo(o), &alloc.vamAlloc)
	if err != nil {
		buffer.Destroy(d.allocationCallbacks)
		return nil, nil, res, err
	}

	res, err = alloc.vamAlloc.BindBufferMemory(buffer)
	if err != nil {
		freeErr := alloc.vamAlloc.Free()
		if freeErr != nil {
			d.logger.Error("failed to free allocation after a bind failure", slog.Any("Error", freeErr))
		}
		buffer.Destroy(d.allocationCallbacks)
		return nil, nil, res, err
	}

	d.noteAllocated(alloc)
	return buffer, alloc, res, nil
}

// CreateImage is the image equivalent of CreateBuffer.
func (d *DeviceAllocator) CreateImage(info core1_0.ImageCreateInfo, o gpumem.ResourceCreateOptions) (core1_0.Image, gpumem.DeviceAllocation, common.VkResult, error) {
	image, res, err := d.device.CreateImage(d.allocationCallbacks, info)
	if err != nil {
		return nil, nil, res, err
	}

	alloc := &Allocation{}
	res, err = d.allocator.AllocateMemoryForImage(image, allocationCreateInfo(o), &alloc.vamAlloc)
	if err != nil {
		image.Destroy(d.allocationCallbacks)
		return nil, nil, res, err
	}

	res, err = alloc.vamAlloc.BindImageMemory(image)
	if err != nil {
		freeErr := alloc.vamAlloc.Free()
		if freeErr != nil {
			d.logger.Error("failed to free allocation after a bind failure", slog.Any("Error", freeErr))
		}
		image.Destroy(d.allocationCallbacks)
		return nil, nil, res, err
	}

	d.noteAllocated(alloc)
	return image, alloc, res, nil
}

func (d *DeviceAllocator) asAllocation(alloc gpumem.DeviceAllocation) (*Allocation, error) {
	if alloc == nil {
		return nil, errors.New("the vam backend was passed a nil allocation")
	}
	wrapped, ok := alloc.(*Allocation)
	if !ok {
		return nil, errors.Newf("the vam backend was passed a foreign allocation of type %T", alloc)
	}
	return wrapped, nil
}

// DestroyBuffer frees the allocation and destroys the buffer in one step.
func (d *DeviceAllocator) DestroyBuffer(buffer core1_0.Buffer, alloc gpumem.DeviceAllocation) error {
	wrapped, err := d.asAllocation(alloc)
	if err != nil {
		return err
	}

	d.noteFreed(wrapped)
	return wrapped.vamAlloc.DestroyBuffer(buffer)
}

// DestroyImage frees the allocation and destroys the image in one step.
func (d *DeviceAllocator) DestroyImage(image core1_0.Image, alloc gpumem.DeviceAllocation) error {
	wrapped, err := d.asAllocation(alloc)
	if err != nil {
		return err
	}

	d.noteFreed(wrapped)
	return wrapped.vamAlloc.DestroyImage(image)
}

// FreeAllocation releases memory whose resource is destroyed elsewhere.
func (d *DeviceAllocator) FreeAllocation(alloc gpumem.DeviceAllocation) error {
	wrapped, err := d.asAllocation(alloc)
	if err != nil {
		return err
	}

	d.noteFreed(wrapped)
	return wrapped.vamAlloc.Free()
}
