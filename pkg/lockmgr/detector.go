package lockmgr

import (
	"time"

	"bptreekernel/pkg/txn"
)

// detector owns the scan cadence and the wait-for-graph cycle search of
// spec.md §4.F "Deadlock detection" / §9 "Deadlock detection cadence".
// The teacher's original (original_source/project5/src/lock_manager.cpp)
// leaves find_cycle and schedule as stubs returning "never found, always
// scan"; this is the real implementation SPEC_FULL.md calls for, built
// in the shape of mjm918-tur/pkg/mvcc/deadlock.go's WaitForGraph/DetectCycle
// (tri-color DFS) but with spec-exact victim selection.
type detector struct {
	lastUse time.Time
	backoff time.Duration
}

const (
	detectorMinBackoff = LockWait
	detectorMaxBackoff = 20 * LockWait
)

func newDetector() detector {
	return detector{backoff: detectorMinBackoff}
}

// schedule decides whether enough time has elapsed since the last scan
// to run another one (spec.md §9 "last_use ... schedule()"). DESIGN.md
// records the exact formula chosen to resolve this Open Question:
// back-off doubles (capped) on a scan that finds nothing, and resets to
// the minimum on a scan that finds and resolves a cycle.
func (d *detector) schedule() bool {
	now := detectorNow()
	if now.Sub(d.lastUse) < d.backoff {
		return false
	}
	d.lastUse = now
	return true
}

func (d *detector) onScanResult(foundCycle bool) {
	if foundCycle {
		d.backoff = detectorMinBackoff
		return
	}
	d.backoff *= 2
	if d.backoff > detectorMaxBackoff {
		d.backoff = detectorMaxBackoff
	}
}

// detectorNow is the only source of wall-clock time in this package, to
// keep the scan cadence logic easy to swap in tests if ever needed.
var detectorNow = time.Now

// findCycle builds the wait-for graph over the current resource table --
// an edge from each waiting transaction to every transaction currently
// running on the resource it waits for -- and searches it for a cycle
// via tri-color DFS (spec.md §4.F). On a cycle, it picks a victim
// (largest held-lock count, ties broken by highest transaction id),
// aborts it by returning it (the caller invokes trx.Abort), and reports
// the scan result to the back-off coupling.
//
// Caller must hold Manager.mu.
func (d *detector) findCycle(resources map[HierarchicalID]*resourceModule) *txn.Transaction {
	edges := make(map[uint64][]uint64)
	byID := make(map[uint64]*txn.Transaction)

	for _, mod := range resources {
		holders := make([]uint64, 0, len(mod.running))
		for _, l := range mod.running {
			holders = append(holders, l.backref.ID())
			byID[l.backref.ID()] = l.backref
		}
		for _, l := range mod.waiting {
			waiterID := l.backref.ID()
			byID[waiterID] = l.backref
			edges[waiterID] = append(edges[waiterID], holders...)
		}
	}

	cycle := findCycleIDs(edges)
	if cycle == nil {
		d.onScanResult(false)
		return nil
	}
	d.onScanResult(true)

	var victim *txn.Transaction
	for _, id := range cycle {
		t := byID[id]
		if t == nil {
			continue
		}
		if victim == nil ||
			t.HeldCount() > victim.HeldCount() ||
			(t.HeldCount() == victim.HeldCount() && t.ID() > victim.ID()) {
			victim = t
		}
	}
	return victim
}

// findCycleIDs runs tri-color DFS over the waiter->holders adjacency and
// returns the ids participating in the first cycle found, or nil.
func findCycleIDs(edges map[uint64][]uint64) []uint64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int)
	var path []uint64
	var cycle []uint64

	var dfs func(id uint64) bool
	dfs = func(id uint64) bool {
		color[id] = gray
		path = append(path, id)

		for _, next := range edges[id] {
			switch color[next] {
			case white:
				if dfs(next) {
					return true
				}
			case gray:
				for i, p := range path {
					if p == next {
						cycle = append([]uint64{}, path[i:]...)
						return true
					}
				}
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return false
	}

	ids := make([]uint64, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sortUint64(ids)

	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

// sortUint64 is a tiny insertion sort: the id sets here are bounded by
// the number of simultaneously-waiting transactions, never large enough
// to warrant importing sort for determinism's sake alone.
func sortUint64(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
