package gpumem

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestGetStats_FragmentationRatio(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.statsOverride = &memutils.Statistics{
		BlockCount:      2,
		BlockBytes:      1000,
		AllocationCount: 5,
		AllocationBytes: 750,
	}

	stats := allocator.GetStats()
	require.Equal(t, 1000, stats.TotalBytes)
	require.Equal(t, 750, stats.UsedBytes)
	require.Equal(t, 5, stats.AllocationCount)
	require.InDelta(t, 0.25, stats.FragmentationRatio, 0.0001)
}

func TestGetStats_NoBlocksMeansNoFragmentation(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.statsOverride = &memutils.Statistics{}

	stats := allocator.GetStats()
	require.Zero(t, stats.FragmentationRatio)
}

func TestGetStats_RatioIsClamped(t *testing.T) {
	device, allocator := readyAllocator(t)

	// A backend reporting more allocated than blocked must not push the
	// ratio negative
	device.statsOverride = &memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationBytes: 1500,
	}

	stats := allocator.GetStats()
	require.Zero(t, stats.FragmentationRatio)
}

func TestPeakMemoryUsage_HighWaterMark(t *testing.T) {
	_, allocator := readyAllocator(t)

	buffer1, handle1 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  100 * 1024,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	_, handle2 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  100 * 1024,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	require.NotEqual(t, NullAllocation, handle2)

	require.Equal(t, 200*1024, allocator.PeakMemoryUsage())

	allocator.DestroyBuffer(handle1, buffer1)
	require.Equal(t, 100*1024, allocator.TotalAllocatedBytes())
	require.Equal(t, 200*1024, allocator.PeakMemoryUsage())

	// A smaller follow-up allocation does not move the peak
	_, handle3 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  4096,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	require.NotEqual(t, NullAllocation, handle3)
	require.Equal(t, 200*1024, allocator.PeakMemoryUsage())
}

func TestGetMemoryBudget_PassesThroughHeaps(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 100, Budget: 1000},
		{Usage: 900, Budget: 1000},
	}

	budgets := allocator.GetMemoryBudget()
	require.Equal(t, device.budgets, budgets)
}

func TestCheckMemoryBudget_UnderThreshold(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 100, Budget: 1000},
		{Usage: 500, Budget: 1000},
	}

	require.False(t, allocator.CheckMemoryBudget())
}

func TestCheckMemoryBudget_OverThreshold(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 950, Budget: 1000},
		{Usage: 990, Budget: 1000},
	}

	require.True(t, allocator.CheckMemoryBudget())
}

func TestCheckMemoryBudget_CustomThreshold(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 600, Budget: 1000},
	}

	require.False(t, allocator.CheckMemoryBudget())

	allocator.SetMemoryUsageWarningThreshold(0.5)
	require.True(t, allocator.CheckMemoryBudget())
}

func TestSetMemoryUsageWarningThreshold_InvalidValuesResetToDefault(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 950, Budget: 1000},
	}

	allocator.SetMemoryUsageWarningThreshold(0.99)
	require.False(t, allocator.CheckMemoryBudget())

	// 1.5 is out of range, so the threshold falls back to 0.9
	allocator.SetMemoryUsageWarningThreshold(1.5)
	require.True(t, allocator.CheckMemoryBudget())
}

func TestCheckMemoryBudget_EmptyHeapsNeverWarn(t *testing.T) {
	_, allocator := readyAllocator(t)
	require.False(t, allocator.CheckMemoryBudget())
}

func TestResetStats_CollapsesToLiveBaseline(t *testing.T) {
	_, allocator := readyAllocator(t)

	buffer1, handle1 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  4096,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	_, handle2 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  8192,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	require.NotEqual(t, NullAllocation, handle2)

	allocator.DestroyBuffer(handle1, buffer1)
	require.Equal(t, 2, allocator.TotalAllocations())
	require.Equal(t, 3*4096, allocator.PeakMemoryUsage())

	allocator.ResetStats()

	require.Equal(t, 1, allocator.TotalAllocations())
	require.Equal(t, 1, allocator.ActiveAllocations())
	require.Equal(t, 8192, allocator.TotalAllocatedBytes())
	require.Equal(t, 8192, allocator.PeakMemoryUsage())

	// The live allocation is untouched
	require.True(t, allocator.ContainsAllocation(handle2))
}

func TestBuildStatsString_ProducesValidJSON(t *testing.T) {
	device, allocator := readyAllocator(t)
	device.budgets = []HeapBudget{
		{Usage: 100, Budget: 1000},
	}

	_, handle := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  2048,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)
	require.NotEqual(t, NullAllocation, handle)

	var size int
	_, imageHandle := allocator.AllocateImage(core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
	}, MemoryUsageGPUOnly, &size)
	require.NotEqual(t, NullAllocation, imageHandle)

	writer := jwriter.NewWriter()
	allocator.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	var report map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(writer.Bytes(), &report))
	require.Contains(t, report, "General")
	require.Contains(t, report, "Device")
	require.Contains(t, report, "MemoryTypes")
	require.Contains(t, report, "Budgets")
	require.Contains(t, report, "Pools")
	require.Contains(t, report, "Allocations")

	var general struct {
		TotalAllocatedBytes int
		ActiveAllocations   int
	}
	require.NoError(t, json.Unmarshal(report["General"], &general))
	require.Equal(t, 4096+device.imageSize, general.TotalAllocatedBytes)
	require.Equal(t, 2, general.ActiveAllocations)

	var allocations []struct {
		Kind string
		Size int
	}
	require.NoError(t, json.Unmarshal(report["Allocations"], &allocations))
	require.Len(t, allocations, 2)
	require.Equal(t, "Buffer", allocations[0].Kind)
	require.Equal(t, "Image", allocations[1].Kind)
}

func TestBuildStatsString_PerTypeCountersReconcile(t *testing.T) {
	device, allocator := readyAllocator(t)

	device.nextMemoryTypeIndex = 0
	buffer, handle := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  4096,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageGPUOnly)

	device.nextMemoryTypeIndex = 2
	_, handle2 := allocator.AllocateBuffer(core1_0.BufferCreateInfo{
		Size:  8192,
		Usage: core1_0.BufferUsageStorageBuffer,
	}, MemoryUsageCPUToGPU)
	require.NotEqual(t, NullAllocation, handle2)

	allocator.DestroyBuffer(handle, buffer)

	writer := jwriter.NewWriter()
	allocator.BuildStatsString(&writer)

	var report struct {
		MemoryTypes map[string]struct {
			BytesAllocated     int
			BytesFreed         int
			CurrentAllocations int
			TotalAllocations   int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &report))
	require.Len(t, report.MemoryTypes, 2)

	type0 := report.MemoryTypes["0"]
	require.Equal(t, 4096, type0.BytesAllocated)
	require.Equal(t, 4096, type0.BytesFreed)
	require.Equal(t, 0, type0.CurrentAllocations)
	require.Equal(t, 1, type0.TotalAllocations)

	type2 := report.MemoryTypes["2"]
	require.Equal(t, 8192, type2.BytesAllocated)
	require.Equal(t, 0, type2.BytesFreed)
	require.Equal(t, 1, type2.CurrentAllocations)
	require.Equal(t, 1, type2.TotalAllocations)

	// The live counters sum to the tracked live count
	live := 0
	for _, typeStats := range report.MemoryTypes {
		live += typeStats.CurrentAllocations
	}
	require.Equal(t, allocator.ActiveAllocations(), live)
}

func TestPrintDetailedStats_DoesNotPanic(t *testing.T) {
	_, allocator := readyAllocator(t)
	allocator.PrintDetailedStats()
}
