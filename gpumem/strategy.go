package gpumem

import "golang.org/x/exp/slog"

// AllocationStrategy is the process-wide policy biasing every allocation the
// Allocator makes. It is translated into AllocationCreateFlags strategy bits
// on each allocate call.
type AllocationStrategy uint32

const (
	// StrategyDefault clears all strategy hints and lets the backend choose.
	StrategyDefault AllocationStrategy = iota
	// StrategySpeedOptimized minimizes time spent finding a placement.
	StrategySpeedOptimized
	// StrategyMemoryOptimized minimizes waste and keeps placements friendly
	// to later compaction passes.
	StrategyMemoryOptimized
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	StrategyDefault:         "StrategyDefault",
	StrategySpeedOptimized:  "StrategySpeedOptimized",
	StrategyMemoryOptimized: "StrategyMemoryOptimized",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

func applyDefaultStrategy(flags AllocationCreateFlags) AllocationCreateFlags {
	return flags &^ AllocationCreateStrategyMask
}

func applySpeedStrategy(flags AllocationCreateFlags) AllocationCreateFlags {
	return (flags &^ AllocationCreateStrategyMask) | AllocationCreateStrategyMinTime
}

func applyMemoryStrategy(flags AllocationCreateFlags) AllocationCreateFlags {
	return (flags &^ AllocationCreateStrategyMask) |
		AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyBalancedDefrag
}

// apply rewrites the strategy bits of the given creation flags according to
// the policy. Non-strategy bits pass through untouched.
func (s AllocationStrategy) apply(flags AllocationCreateFlags) AllocationCreateFlags {
	switch s {
	case StrategySpeedOptimized:
		return applySpeedStrategy(flags)
	case StrategyMemoryOptimized:
		return applyMemoryStrategy(flags)
	}
	return applyDefaultStrategy(flags)
}

// SetAllocationStrategy swaps the active policy. Setting the strategy that
// is already active is a no-op and is not logged.
func (a *Allocator) SetAllocationStrategy(strategy AllocationStrategy) {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if strategy == a.strategy {
		return
	}

	a.logger.Info("allocation strategy changed",
		slog.String("From", a.strategy.String()),
		slog.String("To", strategy.String()),
	)
	a.strategy = strategy
}

// AllocationStrategy reports the active policy.
func (a *Allocator) AllocationStrategy() AllocationStrategy {
	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	return a.strategy
}
