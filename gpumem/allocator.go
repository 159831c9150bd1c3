package gpumem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/anvil/gpumem/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// AllocatorCreateFlags adjusts the behavior of a new Allocator.
type AllocatorCreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[AllocatorCreateFlags]()

func (f AllocatorCreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f AllocatorCreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized disables the internal mutexes.
	// The caller promises that no two Allocator methods run concurrently.
	AllocatorCreateExternallySynchronized AllocatorCreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const defaultMemoryWarningThreshold = 0.9

// CreateOptions are optional parameters for New. The zero value is valid.
type CreateOptions struct {
	Flags AllocatorCreateFlags

	// BufferAlignment, when non-zero, replaces the tiered alignment rules
	// with one global power-of-two alignment, as if SetBufferAlignment had
	// been called.
	BufferAlignment uint

	// MemoryUsageWarningThreshold is the heap usage/budget ratio above which
	// CheckMemoryBudget warns. Zero means the default of 0.9.
	MemoryUsageWarningThreshold float64
}

// Allocator is the engine-facing GPU memory allocation layer: it pools
// same-tier buffer allocations, tracks every live allocation for statistics
// and safe teardown, and runs candidate-based defragmentation sessions
// against the backend.
//
// There is no hidden global- create one Allocator per device at engine init
// and pass it to every call site. All methods are safe for concurrent use
// unless AllocatorCreateExternallySynchronized was specified.
type Allocator struct {
	logger *slog.Logger
	device DeviceAllocator

	// allocMutex guards the handle table, the running totals, the per-type
	// statistics, the strategy, the alignment override, and the defrag
	// session. poolsMutex guards only the pool cache.
	allocMutex utils.OptionalMutex
	poolsMutex utils.OptionalRWMutex

	table               handleTable
	totalAllocatedBytes int
	peakMemoryUsage     int
	totalAllocations    int
	typeStats           [common.MaxMemoryTypes]MemoryTypeStatistics

	strategy         AllocationStrategy
	customAlignment  uint
	warningThreshold float64

	pools  [tierCount]map[MemoryUsage]*memoryPool
	defrag defragmentationSession
}

// New creates the allocation layer over the given backend.
//
// logger - Destination for the debug trace and all warnings/errors. nil
// falls back to slog.Default().
//
// device - The underlying device-memory allocator. gpumem/vulkan provides
// the vam-backed production implementation.
//
// options - Optional parameters: it is valid to leave all the fields blank.
func New(logger *slog.Logger, device DeviceAllocator, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("attempted to create an Allocator with a nil device backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger: logger,
		device: device,

		allocMutex: utils.OptionalMutex{UseMutex: useMutex},
		poolsMutex: utils.OptionalRWMutex{UseMutex: useMutex},

		warningThreshold: defaultMemoryWarningThreshold,
	}

	for tier := range allocator.pools {
		allocator.pools[tier] = make(map[MemoryUsage]*memoryPool)
	}

	if options.MemoryUsageWarningThreshold != 0 {
		if options.MemoryUsageWarningThreshold < 0 || options.MemoryUsageWarningThreshold > 1 {
			return nil, errors.Newf("MemoryUsageWarningThreshold must be in (0, 1], got %f", options.MemoryUsageWarningThreshold)
		}
		allocator.warningThreshold = options.MemoryUsageWarningThreshold
	}

	if options.BufferAlignment != 0 {
		err := memutils.CheckPow2(options.BufferAlignment, "CreateOptions.BufferAlignment")
		if err != nil {
			return nil, err
		}
		allocator.customAlignment = options.BufferAlignment
	}

	return allocator, nil
}

// destroyed reports whether Destroy has already run. Callers must hold the
// allocation mutex.
func (a *Allocator) destroyed() bool {
	return a.device == nil
}

// AllocateBuffer creates a buffer of the given descriptor with memory bound
// behind it. The size is aligned per AlignBufferSize and, when it fits a
// tier, the allocation is served from a shared pool.
//
// On failure the error is logged and (nil, NullAllocation) is returned; no
// buffer object exists in that case.
func (a *Allocator) AllocateBuffer(bufferInfo core1_0.BufferCreateInfo, usage MemoryUsage) (core1_0.Buffer, AllocationHandle) {
	a.logger.Debug("Allocator::AllocateBuffer",
		slog.Int("Size", bufferInfo.Size),
		slog.String("Usage", usage.String()),
	)

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.allocateBuffer(bufferInfo, usage, a.strategy.apply(0))
}

// allocateBuffer is the locked core of AllocateBuffer, shared with the batch
// path so a whole batch runs under one lock acquisition.
func (a *Allocator) allocateBuffer(bufferInfo core1_0.BufferCreateInfo, usage MemoryUsage, flags AllocationCreateFlags) (core1_0.Buffer, AllocationHandle) {
	if a.destroyed() {
		a.logger.Error("AllocateBuffer called on a destroyed Allocator")
		return nil, NullAllocation
	}
	if bufferInfo.Size <= 0 {
		a.logger.Error("AllocateBuffer called with a non-positive size", slog.Int("Size", bufferInfo.Size))
		return nil, NullAllocation
	}

	bufferInfo.Size = a.alignBufferSize(bufferInfo.Size)

	o := ResourceCreateOptions{
		Usage: usage,
		Flags: flags,
	}
	if tier, pooled := tierForSize(bufferInfo.Size); pooled {
		o.Pool = a.getOrCreatePool(tier, usage)
	}

	buffer, alloc, res, err := a.device.CreateBuffer(bufferInfo, o)
	if err != nil || alloc == nil {
		a.logger.Error("buffer allocation failed",
			slog.Int("Size", bufferInfo.Size),
			slog.String("Usage", usage.String()),
			slog.String("Result", res.String()),
			slog.Any("Error", err),
		)
		return nil, NullAllocation
	}

	return buffer, a.trackAllocation(alloc, ResourceKindBuffer)
}

// AllocateImage creates an image of the given descriptor with memory bound
// behind it. Image byte sizes are only known once the backend has examined
// the descriptor, so images always take the un-pooled path; outSize, when
// non-nil, receives the allocated size.
//
// On failure the error is logged and (nil, NullAllocation) is returned.
func (a *Allocator) AllocateImage(imageInfo core1_0.ImageCreateInfo, usage MemoryUsage, outSize *int) (core1_0.Image, AllocationHandle) {
	a.logger.Debug("Allocator::AllocateImage", slog.String("Usage", usage.String()))

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("AllocateImage called on a destroyed Allocator")
		return nil, NullAllocation
	}

	o := ResourceCreateOptions{
		Usage: usage,
		Flags: a.strategy.apply(0),
	}

	image, alloc, res, err := a.device.CreateImage(imageInfo, o)
	if err != nil || alloc == nil {
		a.logger.Error("image allocation failed",
			slog.String("Usage", usage.String()),
			slog.String("Result", res.String()),
			slog.Any("Error", err),
		)
		return nil, NullAllocation
	}

	if outSize != nil {
		*outSize = alloc.Size()
	}

	return image, a.trackAllocation(alloc, ResourceKindImage)
}

// trackAllocation records a successful backend allocation and updates the
// running totals. Callers must hold the allocation mutex.
func (a *Allocator) trackAllocation(alloc DeviceAllocation, kind ResourceKind) AllocationHandle {
	size := alloc.Size()
	memoryTypeIndex := alloc.MemoryTypeIndex()

	handle := a.table.insert(alloc, size, kind, memoryTypeIndex)

	a.totalAllocatedBytes += size
	a.totalAllocations++
	if a.totalAllocatedBytes > a.peakMemoryUsage {
		a.peakMemoryUsage = a.totalAllocatedBytes
	}

	if memoryTypeIndex >= 0 && memoryTypeIndex < len(a.typeStats) {
		stats := &a.typeStats[memoryTypeIndex]
		stats.BytesAllocated += size
		stats.CurrentAllocations++
		stats.TotalAllocations++
	}

	return handle
}

// untrackAllocation reverses trackAllocation for a known handle. Callers
// must hold the allocation mutex. Returns false for null/unknown/stale
// handles without touching any state.
func (a *Allocator) untrackAllocation(handle AllocationHandle) (allocationRecord, bool) {
	record, ok := a.table.remove(handle)
	if !ok {
		return allocationRecord{}, false
	}

	a.totalAllocatedBytes -= record.size

	if record.memoryTypeIndex >= 0 && record.memoryTypeIndex < len(a.typeStats) {
		stats := &a.typeStats[record.memoryTypeIndex]
		stats.BytesFreed += record.size
		stats.CurrentAllocations--
	}

	// A freed allocation can no longer be a defragmentation candidate
	if a.defrag.active && a.defrag.candidates != nil {
		a.defrag.candidates.Delete(handle)
	}

	return record, true
}

// Free releases the memory behind a handle without destroying any resource
// bound to it. Unknown or null handles are a safe no-op.
func (a *Allocator) Free(handle AllocationHandle) {
	a.logger.Debug("Allocator::Free")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("Free called on a destroyed Allocator")
		return
	}

	record, ok := a.untrackAllocation(handle)
	if !ok {
		a.logger.Debug("Free called with an unknown allocation handle")
		return
	}

	err := a.device.FreeAllocation(record.alloc)
	if err != nil {
		a.logger.Error("failed to free device allocation",
			slog.Int("Size", record.size),
			slog.Any("Error", err),
		)
	}
}

// DestroyBuffer destroys a buffer and releases its memory. A nil buffer or
// an unknown handle makes the whole call a safe no-op.
func (a *Allocator) DestroyBuffer(handle AllocationHandle, buffer core1_0.Buffer) {
	a.logger.Debug("Allocator::DestroyBuffer")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	a.destroyBuffer(handle, buffer)
}

func (a *Allocator) destroyBuffer(handle AllocationHandle, buffer core1_0.Buffer) {
	if a.destroyed() {
		a.logger.Error("DestroyBuffer called on a destroyed Allocator")
		return
	}
	if buffer == nil || handle == NullAllocation {
		return
	}

	record, ok := a.untrackAllocation(handle)
	if !ok {
		a.logger.Debug("DestroyBuffer called with an unknown allocation handle")
		return
	}

	err := a.device.DestroyBuffer(buffer, record.alloc)
	if err != nil {
		a.logger.Error("failed to destroy buffer",
			slog.Int("Size", record.size),
			slog.Any("Error", err),
		)
	}
}

// DestroyImage destroys an image and releases its memory. A nil image or an
// unknown handle makes the whole call a safe no-op.
func (a *Allocator) DestroyImage(handle AllocationHandle, image core1_0.Image) {
	a.logger.Debug("Allocator::DestroyImage")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("DestroyImage called on a destroyed Allocator")
		return
	}
	if image == nil || handle == NullAllocation {
		return
	}

	record, ok := a.untrackAllocation(handle)
	if !ok {
		a.logger.Debug("DestroyImage called with an unknown allocation handle")
		return
	}

	err := a.device.DestroyImage(image, record.alloc)
	if err != nil {
		a.logger.Error("failed to destroy image",
			slog.Int("Size", record.size),
			slog.Any("Error", err),
		)
	}
}

// ContainsAllocation reports whether the handle refers to a live tracked
// allocation.
func (a *Allocator) ContainsAllocation(handle AllocationHandle) bool {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.table.lookup(handle) != nil
}

// Destroy tears down the allocation layer: any allocations still live are
// reported and freed (continuing past individual failures), cached pools are
// destroyed, and the backend is shut down. The Allocator must not be used
// afterward; no caller may hold a reference across Destroy.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		return errors.New("attempted to destroy an Allocator that was already destroyed")
	}

	if a.table.liveCount > 0 {
		a.logger.Warn("destroying Allocator with live allocations",
			slog.Int("LeakedAllocations", a.table.liveCount),
			slog.Int("LeakedBytes", a.totalAllocatedBytes),
		)

		a.table.forEachLive(func(handle AllocationHandle, record *allocationRecord) {
			err := a.device.FreeAllocation(record.alloc)
			if err != nil {
				a.logger.Error("failed to free leaked allocation during teardown",
					slog.Int("Size", record.size),
					slog.String("Kind", record.kind.String()),
					slog.Any("Error", err),
				)
			}
		})
		a.table = handleTable{}
		a.totalAllocatedBytes = 0
	}

	a.poolsMutex.Lock()
	poolErr := a.destroyPools()
	a.poolsMutex.Unlock()

	deviceErr := a.device.Destroy()
	a.device = nil

	if poolErr != nil {
		return poolErr
	}
	return deviceErr
}
