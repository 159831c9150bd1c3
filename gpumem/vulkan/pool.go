package vulkan

import (
	"github.com/vkngwrapper/anvil/gpumem"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Pool wraps one vam custom pool behind gpumem.DevicePool.
type Pool struct {
	vamPool   *vam.Pool
	blockSize int
}

func (p *Pool) BlockSize() int {
	return p.blockSize
}

func (p *Pool) Destroy() error {
	return p.vamPool.Destroy()
}

// poolProbeUsage covers the buffer usages the engine routes through pooled
// tiers, so the probe finds a memory type valid for all of them.
const poolProbeUsage = core1_0.BufferUsageTransferSrc |
	core1_0.BufferUsageTransferDst |
	core1_0.BufferUsageUniformBuffer |
	core1_0.BufferUsageStorageBuffer |
	core1_0.BufferUsageVertexBuffer |
	core1_0.BufferUsageIndexBuffer

// CreatePool creates one fixed-block-size vam pool on a memory type chosen
// for the given usage hint.
func (d *DeviceAllocator) CreatePool(blockSize int, usage gpumem.MemoryUsage) (gpumem.DevicePool, common.VkResult, error) {
	d.logger.Debug("vulkan.DeviceAllocator::CreatePool",
		slog.Int("BlockSize", blockSize),
		slog.String("Usage", usage.String()),
	)

	probeInfo := core1_0.BufferCreateInfo{
		Size:        blockSize,
		Usage:       poolProbeUsage,
		SharingMode: core1_0.SharingModeExclusive,
	}
	createInfo := allocationCreateInfo(gpumem.ResourceCreateOptions{Usage: usage})

	memoryTypeIndex, res, err := d.allocator.FindMemoryTypeIndexForBufferInfo(probeInfo, createInfo)
	if err != nil {
		return nil, res, err
	}

	vamPool, res, err := d.allocator.CreatePool(vam.PoolCreateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		BlockSize:       blockSize,
	})
	if err != nil {
		return nil, res, err
	}

	return &Pool{
		vamPool:   vamPool,
		blockSize: blockSize,
	}, res, nil
}
