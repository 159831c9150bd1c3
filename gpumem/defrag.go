package gpumem

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// DefragmentationFlags selects the algorithm for a defragmentation session.
type DefragmentationFlags uint32

const (
	// DefragmentationFlagAlgorithmFast relocates only what is cheap to move,
	// trading compaction quality for pass time.
	DefragmentationFlagAlgorithmFast DefragmentationFlags = 1 << iota
	// DefragmentationFlagAlgorithmBalanced is the default when no algorithm
	// is specified: a middle ground between pass time and compaction.
	DefragmentationFlagAlgorithmBalanced
	// DefragmentationFlagAlgorithmFull compacts as tightly as the backend
	// can manage, at whatever cost in moves.
	DefragmentationFlagAlgorithmFull

	DefragmentationFlagAlgorithmMask = DefragmentationFlagAlgorithmFast |
		DefragmentationFlagAlgorithmBalanced |
		DefragmentationFlagAlgorithmFull
)

var defragmentationFlagsMapping = map[DefragmentationFlags]string{
	DefragmentationFlagAlgorithmFast:     "DefragmentationFlagAlgorithmFast",
	DefragmentationFlagAlgorithmBalanced: "DefragmentationFlagAlgorithmBalanced",
	DefragmentationFlagAlgorithmFull:     "DefragmentationFlagAlgorithmFull",
}

func (f DefragmentationFlags) String() string {
	return defragmentationFlagsMapping[f]
}

// defragmentationSession is the transient Collecting state between a Begin
// call and the matching End call. The candidate map deduplicates marks and
// lets a concurrent free withdraw an allocation before the pass runs.
type defragmentationSession struct {
	active     bool
	flags      DefragmentationFlags
	candidates *swiss.Map[AllocationHandle, DeviceAllocation]
}

// BeginDefragmentation opens a candidate-collection session. If a session is
// already collecting it is discarded with a warning- last begin wins. When no
// algorithm flag is supplied the balanced algorithm is chosen. The backend is
// not contacted until EndDefragmentation.
//
// Begin, MarkForDefragmentation, and EndDefragmentation each lock only for
// their own duration: interleaving whole sessions from multiple goroutines
// is not serialized here, and callers running concurrent sessions must
// coordinate externally.
func (a *Allocator) BeginDefragmentation(flags DefragmentationFlags) {
	a.logger.Debug("Allocator::BeginDefragmentation", slog.String("Flags", flags.String()))

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("BeginDefragmentation called on a destroyed Allocator")
		return
	}

	if a.defrag.active {
		a.logger.Warn("BeginDefragmentation called while a session was already collecting, discarding the old session",
			slog.Int("DiscardedCandidates", a.defrag.candidates.Count()),
		)
	}

	if flags&DefragmentationFlagAlgorithmMask == 0 {
		flags |= DefragmentationFlagAlgorithmBalanced
	}

	a.defrag.active = true
	a.defrag.flags = flags
	a.defrag.candidates = swiss.NewMap[AllocationHandle, DeviceAllocation](42)
}

// MarkForDefragmentation adds a live allocation to the current session's
// candidate list. Null or unknown handles are ignored with a warning, and
// marking the same allocation twice is a no-op.
func (a *Allocator) MarkForDefragmentation(handle AllocationHandle) {
	a.logger.Debug("Allocator::MarkForDefragmentation")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("MarkForDefragmentation called on a destroyed Allocator")
		return
	}
	if !a.defrag.active {
		a.logger.Warn("MarkForDefragmentation called without an active defragmentation session")
		return
	}
	if handle == NullAllocation {
		a.logger.Warn("MarkForDefragmentation called with a null allocation handle")
		return
	}

	record := a.table.lookup(handle)
	if record == nil {
		a.logger.Warn("MarkForDefragmentation called with an unknown allocation handle")
		return
	}

	if a.defrag.candidates.Has(handle) {
		return
	}
	a.defrag.candidates.Put(handle, record.alloc)
}

// EndDefragmentation closes the session and, if any candidates were marked,
// runs one synchronous compaction pass against the backend. The pass
// statistics are logged and peak memory usage is re-based to the current
// total, so post-compaction peaks are measured from the compacted baseline.
func (a *Allocator) EndDefragmentation() {
	a.logger.Debug("Allocator::EndDefragmentation")

	a.allocMutex.Lock()
	defer a.allocMutex.Unlock()

	if a.destroyed() {
		a.logger.Error("EndDefragmentation called on a destroyed Allocator")
		return
	}
	if !a.defrag.active {
		a.logger.Warn("EndDefragmentation called without a matching BeginDefragmentation")
		return
	}

	candidates := make([]DeviceAllocation, 0, a.defrag.candidates.Count())
	a.defrag.candidates.Iter(func(handle AllocationHandle, alloc DeviceAllocation) bool {
		candidates = append(candidates, alloc)
		return false
	})
	flags := a.defrag.flags

	a.defrag.active = false
	a.defrag.flags = 0
	a.defrag.candidates = nil

	if len(candidates) == 0 {
		a.logger.Warn("defragmentation session ended with no marked allocations")
		return
	}

	stats, res, err := a.device.Defragment(candidates, flags)
	if err != nil {
		a.logger.Error("defragmentation pass failed",
			slog.Int("Candidates", len(candidates)),
			slog.String("Result", res.String()),
			slog.Any("Error", err),
		)
		return
	}

	a.logger.Info("defragmentation pass complete",
		slog.Int("BytesMoved", stats.BytesMoved),
		slog.Int("BytesFreed", stats.BytesFreed),
		slog.Int("AllocationsMoved", stats.AllocationsMoved),
		slog.Int("BlocksFreed", stats.BlocksFreed),
	)

	a.peakMemoryUsage = a.totalAllocatedBytes
}
