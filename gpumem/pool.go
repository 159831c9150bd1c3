package gpumem

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// memoryPool is the cached pool state for one (tier, usage) combination.
// Sub-pools are picked first-fit: the first one created serves all traffic
// until something grows the list.
type memoryPool struct {
	blockSize int
	usage     MemoryUsage
	subPools  []DevicePool
}

// getOrCreatePool returns a sub-pool for the given tier and usage, creating
// the pool record and its first sub-pool on first use. Returns nil when pool
// creation fails- the caller falls back to an un-pooled allocation.
//
// Pool state lives under its own mutex so that a slow pool creation against
// the backend does not stall unrelated allocate/free traffic.
func (a *Allocator) getOrCreatePool(tier sizeTier, usage MemoryUsage) DevicePool {
	a.poolsMutex.RLock()
	pool := a.pools[tier][usage]
	a.poolsMutex.RUnlock()

	if pool != nil && len(pool.subPools) > 0 {
		return pool.subPools[0]
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	// Another thread may have created it between the two locks
	pool = a.pools[tier][usage]
	if pool != nil && len(pool.subPools) > 0 {
		return pool.subPools[0]
	}

	blockSize := tierBlockSizes[tier]
	devicePool, res, err := a.device.CreatePool(blockSize, usage)
	if err != nil || devicePool == nil {
		a.logger.Error("failed to create memory pool",
			slog.Int("BlockSize", blockSize),
			slog.String("Usage", usage.String()),
			slog.String("Result", res.String()),
			slog.Any("Error", err),
		)
		return nil
	}

	if pool == nil {
		pool = &memoryPool{
			blockSize: blockSize,
			usage:     usage,
		}
		a.pools[tier][usage] = pool
	}
	pool.subPools = append(pool.subPools, devicePool)

	a.logger.Debug("created memory pool",
		slog.Int("BlockSize", blockSize),
		slog.String("Usage", usage.String()),
	)

	return devicePool
}

// destroyPools tears down every cached sub-pool, continuing past individual
// failures. Only called from Destroy, under the pool mutex.
func (a *Allocator) destroyPools() error {
	var firstErr error
	for tier := range a.pools {
		for usage, pool := range a.pools[tier] {
			for _, subPool := range pool.subPools {
				err := subPool.Destroy()
				if err != nil {
					a.logger.Error("failed to destroy memory pool",
						slog.Int("BlockSize", pool.blockSize),
						slog.String("Usage", usage.String()),
						slog.Any("Error", err),
					)
					if firstErr == nil {
						firstErr = errors.Wrapf(err, "destroying pool with block size %d", pool.blockSize)
					}
				}
			}
			pool.subPools = nil
		}
		a.pools[tier] = nil
	}

	return firstErr
}
