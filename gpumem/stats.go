package gpumem

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// MemoryStats is a point-in-time aggregate report over the backend's block
// and allocation byte counts.
type MemoryStats struct {
	// TotalBytes is the size of all device memory blocks the backend has
	// allocated from the hardware.
	TotalBytes int
	// UsedBytes is the portion of TotalBytes actually doled out to live
	// allocations.
	UsedBytes int
	// AllocationCount is the number of live allocations backend-wide.
	AllocationCount int
	// FragmentationRatio is 1 - UsedBytes/TotalBytes when any blocks exist,
	// else 0. Always within [0, 1].
	FragmentationRatio float64
}

// TotalAllocatedBytes reports the tracked bytes behind all live allocations
// made through this Allocator.
func (a *Allocator) TotalAllocatedBytes() int {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.totalAllocatedBytes
}

// PeakMemoryUsage reports the high-water mark of TotalAllocatedBytes since
// creation, the last ResetStats, or the last completed defragmentation pass.
func (a *Allocator) PeakMemoryUsage() int {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.peakMemoryUsage
}

// ActiveAllocations reports the number of live tracked allocations.
func (a *Allocator) ActiveAllocations() int {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.table.liveCount
}

// TotalAllocations reports the lifetime allocation count since creation or
// the last ResetStats.
func (a *Allocator) TotalAllocations() int {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.totalAllocations
}

// GetStats queries the backend's aggregate statistics and derives the
// fragmentation ratio. Returns the zero value after Destroy.
func (a *Allocator) GetStats() MemoryStats {
	a.logger.Debug("Allocator::GetStats")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("GetStats called on a destroyed Allocator")
		return MemoryStats{}
	}

	deviceStats := a.device.Statistics()
	stats := MemoryStats{
		TotalBytes:      deviceStats.BlockBytes,
		UsedBytes:       deviceStats.AllocationBytes,
		AllocationCount: deviceStats.AllocationCount,
	}

	if deviceStats.BlockCount > 0 && stats.TotalBytes > 0 {
		ratio := 1.0 - float64(stats.UsedBytes)/float64(stats.TotalBytes)
		if ratio < 0 {
			ratio = 0
		} else if ratio > 1 {
			ratio = 1
		}
		stats.FragmentationRatio = ratio
	}

	return stats
}

// GetMemoryBudget reports usage and budget for every device memory heap.
// Returns nil after Destroy.
func (a *Allocator) GetMemoryBudget() []HeapBudget {
	a.logger.Debug("Allocator::GetMemoryBudget")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("GetMemoryBudget called on a destroyed Allocator")
		return nil
	}

	return a.device.HeapBudgets()
}

// CheckMemoryBudget sums usage and budget across all device memory heaps,
// warning for each heap over the warning threshold and once for the
// aggregate. Returns whether the aggregate is over the threshold. This is
// advisory only- it never blocks or fails an allocation.
func (a *Allocator) CheckMemoryBudget() bool {
	a.logger.Debug("Allocator::CheckMemoryBudget")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("CheckMemoryBudget called on a destroyed Allocator")
		return false
	}

	var totalUsage, totalBudget int
	for heapIndex, budget := range a.device.HeapBudgets() {
		totalUsage += budget.Usage
		totalBudget += budget.Budget

		if budget.Budget <= 0 {
			continue
		}
		ratio := float64(budget.Usage) / float64(budget.Budget)
		if ratio > a.warningThreshold {
			a.logger.Warn("memory heap is over the usage warning threshold",
				slog.Int("HeapIndex", heapIndex),
				slog.Int("Usage", budget.Usage),
				slog.Int("Budget", budget.Budget),
				slog.Float64("Ratio", ratio),
			)
		}
	}

	overBudget := totalBudget > 0 && float64(totalUsage)/float64(totalBudget) > a.warningThreshold
	if overBudget {
		a.logger.Warn("aggregate device memory usage is over the warning threshold",
			slog.Int("TotalUsage", totalUsage),
			slog.Int("TotalBudget", totalBudget),
		)
	}

	return overBudget
}

// SetMemoryUsageWarningThreshold replaces the heap usage/budget ratio above
// which CheckMemoryBudget warns. Values outside (0, 1] are clamped back to
// the default of 0.9 with a warning.
func (a *Allocator) SetMemoryUsageWarningThreshold(threshold float64) {
	a.logger.Debug("Allocator::SetMemoryUsageWarningThreshold", slog.Float64("Threshold", threshold))

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if threshold <= 0 || threshold > 1 {
		a.logger.Warn("invalid memory usage warning threshold, resetting to default",
			slog.Float64("Requested", threshold),
			slog.Float64("Default", defaultMemoryWarningThreshold),
		)
		threshold = defaultMemoryWarningThreshold
	}

	a.warningThreshold = threshold
}

// ResetStats collapses the historical per-type counters down to the live
// baseline: bytes freed go to zero, bytes allocated and total allocations
// become what is currently live, and the peak is re-based to current usage.
// Live allocations are untouched.
func (a *Allocator) ResetStats() {
	a.logger.Debug("Allocator::ResetStats")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("ResetStats called on a destroyed Allocator")
		return
	}

	for i := range a.typeStats {
		stats := &a.typeStats[i]
		stats.BytesAllocated -= stats.BytesFreed
		stats.BytesFreed = 0
		stats.TotalAllocations = stats.CurrentAllocations
	}

	a.totalAllocations = a.table.liveCount
	a.peakMemoryUsage = a.totalAllocatedBytes
}

// PrintDetailedStats emits the full statistics report as a single JSON
// document through the logger. Read-only.
func (a *Allocator) PrintDetailedStats() {
	writer := jwriter.NewWriter()
	a.BuildStatsString(&writer)

	a.logger.Info("Allocator::PrintDetailedStats", slog.String("Stats", string(writer.Bytes())))
}

// BuildStatsString streams the full statistics report into the given JSON
// writer: tracked totals, per-memory-type counters, backend aggregates,
// per-heap budgets, cached pools, and every live allocation.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	if a.destroyed() {
		a.logger.Error("BuildStatsString called on a destroyed Allocator")
		return
	}

	general := obj.Name("General").Object()
	general.Name("TotalAllocatedBytes").Int(a.totalAllocatedBytes)
	general.Name("PeakMemoryUsage").Int(a.peakMemoryUsage)
	general.Name("TotalAllocations").Int(a.totalAllocations)
	general.Name("ActiveAllocations").Int(a.table.liveCount)
	general.End()

	deviceStats := a.device.Statistics()
	device := obj.Name("Device").Object()
	device.Name("BlockCount").Int(deviceStats.BlockCount)
	device.Name("BlockBytes").Int(deviceStats.BlockBytes)
	device.Name("AllocationCount").Int(deviceStats.AllocationCount)
	device.Name("AllocationBytes").Int(deviceStats.AllocationBytes)
	device.End()

	types := obj.Name("MemoryTypes").Object()
	for i := range a.typeStats {
		stats := &a.typeStats[i]
		if stats.TotalAllocations == 0 && stats.BytesAllocated == 0 {
			continue
		}

		typeObj := types.Name(strconv.Itoa(i)).Object()
		typeObj.Name("BytesAllocated").Int(stats.BytesAllocated)
		typeObj.Name("BytesFreed").Int(stats.BytesFreed)
		typeObj.Name("CurrentAllocations").Int(stats.CurrentAllocations)
		typeObj.Name("TotalAllocations").Int(stats.TotalAllocations)
		typeObj.End()
	}
	types.End()

	budgets := obj.Name("Budgets").Array()
	for _, budget := range a.device.HeapBudgets() {
		budgetObj := budgets.Object()
		budgetObj.Name("Usage").Int(budget.Usage)
		budgetObj.Name("Budget").Int(budget.Budget)
		budgetObj.Name("BlockBytes").Int(budget.Statistics.BlockBytes)
		budgetObj.Name("AllocationBytes").Int(budget.Statistics.AllocationBytes)
		budgetObj.End()
	}
	budgets.End()

	a.poolsMutex.RLock()
	pools := obj.Name("Pools").Array()
	for tier := range a.pools {
		for usage, pool := range a.pools[tier] {
			poolObj := pools.Object()
			poolObj.Name("BlockSize").Int(pool.blockSize)
			poolObj.Name("Usage").String(usage.String())
			poolObj.Name("SubPools").Int(len(pool.subPools))
			poolObj.End()
		}
	}
	pools.End()
	a.poolsMutex.RUnlock()

	allocations := obj.Name("Allocations").Array()
	a.table.forEachLive(func(handle AllocationHandle, record *allocationRecord) {
		allocObj := allocations.Object()
		allocObj.Name("Kind").String(record.kind.String())
		allocObj.Name("Size").Int(record.size)
		allocObj.Name("MemoryTypeIndex").Int(record.memoryTypeIndex)
		allocObj.End()
	})
	allocations.End()
}
