package gpumem

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"golang.org/x/exp/slog"
)

var errTestDefrag = errors.New("device lost during compaction")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAllocation struct {
	size            int
	memoryTypeIndex int
}

func (a *fakeAllocation) Size() int            { return a.size }
func (a *fakeAllocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

type fakePool struct {
	blockSize  int
	usage      MemoryUsage
	destroyed  bool
	destroyErr error
}

func (p *fakePool) BlockSize() int { return p.blockSize }

func (p *fakePool) Destroy() error {
	p.destroyed = true
	return p.destroyErr
}

type bufferRequest struct {
	info    core1_0.BufferCreateInfo
	options ResourceCreateOptions
}

// fakeDevice is an in-memory DeviceAllocator that records every request it
// receives. Buffers and images are gomock stand-ins; nothing ever calls
// their methods.
type fakeDevice struct {
	ctrl *gomock.Controller

	bufferRequests []bufferRequest
	imageRequests  []ResourceCreateOptions

	liveAllocations map[*fakeAllocation]struct{}
	pools           []*fakePool

	nextMemoryTypeIndex int
	imageSize           int

	// failFromRequest fails buffer creation starting at this request index;
	// -1 never fails.
	failFromRequest int
	failPools       bool

	statsOverride *memutils.Statistics
	budgets       []HeapBudget

	defragCandidates [][]DeviceAllocation
	defragFlags      DefragmentationFlags
	defragStats      DefragmentationStats
	defragErr        error

	freedAllocations int
	destroyedBuffers int
	destroyedImages  int
	destroyed        bool
}

func newFakeDevice(t *testing.T) *fakeDevice {
	return &fakeDevice{
		ctrl:            gomock.NewController(t),
		liveAllocations: map[*fakeAllocation]struct{}{},
		imageSize:       4096,
		failFromRequest: -1,
	}
}

func (d *fakeDevice) CreateBuffer(info core1_0.BufferCreateInfo, o ResourceCreateOptions) (core1_0.Buffer, DeviceAllocation, common.VkResult, error) {
	requestIndex := len(d.bufferRequests)
	d.bufferRequests = append(d.bufferRequests, bufferRequest{info: info, options: o})

	if d.failFromRequest >= 0 && requestIndex >= d.failFromRequest {
		return nil, nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory")
	}

	alloc := &fakeAllocation{size: info.Size, memoryTypeIndex: d.nextMemoryTypeIndex}
	d.liveAllocations[alloc] = struct{}{}

	return mocks.EasyMockBuffer(d.ctrl), alloc, core1_0.VKSuccess, nil
}

func (d *fakeDevice) CreateImage(info core1_0.ImageCreateInfo, o ResourceCreateOptions) (core1_0.Image, DeviceAllocation, common.VkResult, error) {
	d.imageRequests = append(d.imageRequests, o)

	alloc := &fakeAllocation{size: d.imageSize, memoryTypeIndex: d.nextMemoryTypeIndex}
	d.liveAllocations[alloc] = struct{}{}

	return mocks.EasyMockImage(d.ctrl), alloc, core1_0.VKSuccess, nil
}

func (d *fakeDevice) release(alloc DeviceAllocation) error {
	fake, ok := alloc.(*fakeAllocation)
	if !ok {
		return errors.Newf("received a foreign allocation of type %T", alloc)
	}
	if _, live := d.liveAllocations[fake]; !live {
		return errors.New("received an allocation that was already freed")
	}
	delete(d.liveAllocations, fake)
	return nil
}

func (d *fakeDevice) DestroyBuffer(buffer core1_0.Buffer, alloc DeviceAllocation) error {
	d.destroyedBuffers++
	return d.release(alloc)
}

func (d *fakeDevice) DestroyImage(image core1_0.Image, alloc DeviceAllocation) error {
	d.destroyedImages++
	return d.release(alloc)
}

func (d *fakeDevice) FreeAllocation(alloc DeviceAllocation) error {
	d.freedAllocations++
	return d.release(alloc)
}

func (d *fakeDevice) CreatePool(blockSize int, usage MemoryUsage) (DevicePool, common.VkResult, error) {
	if d.failPools {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory")
	}

	pool := &fakePool{blockSize: blockSize, usage: usage}
	d.pools = append(d.pools, pool)
	return pool, core1_0.VKSuccess, nil
}

func (d *fakeDevice) Defragment(candidates []DeviceAllocation, flags DefragmentationFlags) (DefragmentationStats, common.VkResult, error) {
	d.defragCandidates = append(d.defragCandidates, candidates)
	d.defragFlags = flags

	if d.defragErr != nil {
		return DefragmentationStats{}, core1_0.VKErrorUnknown, d.defragErr
	}
	return d.defragStats, core1_0.VKSuccess, nil
}

func (d *fakeDevice) Statistics() memutils.Statistics {
	if d.statsOverride != nil {
		return *d.statsOverride
	}

	var stats memutils.Statistics
	for alloc := range d.liveAllocations {
		stats.AllocationCount++
		stats.AllocationBytes += alloc.size
		stats.BlockBytes += alloc.size
	}
	stats.BlockCount = len(d.pools)
	for _, pool := range d.pools {
		stats.BlockBytes += pool.blockSize
	}
	return stats
}

func (d *fakeDevice) HeapBudgets() []HeapBudget {
	return d.budgets
}

func (d *fakeDevice) MemoryTypeCount() int {
	return 4
}

func (d *fakeDevice) Destroy() error {
	d.destroyed = true
	return nil
}

func readyAllocator(t *testing.T) (*fakeDevice, *Allocator) {
	t.Helper()

	device := newFakeDevice(t)
	allocator, err := New(testLogger(), device, CreateOptions{})
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	return device, allocator
}
