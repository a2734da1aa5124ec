// Package lockmgr implements the hierarchical lock manager of spec.md
// §4.F: a resource table keyed by (table, page, record) triples, a
// grant/wait protocol with a FIFO waiting list per resource, and
// wait-for-graph deadlock detection, grounded in
// original_source/project5/src/lock_manager.cpp (require_lock,
// release_lock, detect_and_release, lockable) and the cycle-search shape
// of mjm918-tur/pkg/mvcc/deadlock.go's WaitForGraph/DetectCycle.
package lockmgr

import (
	"errors"
	"sync"
	"time"

	"bptreekernel/pkg/txn"
)

// ErrAborted is returned from RequireLock when the calling transaction
// was chosen as a deadlock victim while waiting (spec.md §7 error kind 4).
var ErrAborted = errors.New("lockmgr: transaction aborted while waiting")

// LockWait is the fixed poll interval of spec.md §4.F step 5. The
// teacher's original used a compile-time std::chrono constant
// (original_source/project5/include/lock_manager.hpp's LOCK_WAIT); kept
// short here so tests exercise the deadlock-detection path quickly.
const LockWait = 20 * time.Millisecond

// Mode is a lock's requested or granted mode.
type Mode int

const (
	IDLE Mode = iota
	SHARED
	EXCLUSIVE
)

func (m Mode) String() string {
	switch m {
	case SHARED:
		return "SHARED"
	case EXCLUSIVE:
		return "EXCLUSIVE"
	default:
		return "IDLE"
	}
}

// HierarchicalID names a lockable resource as a (table, page, record)
// triple (spec.md GLOSSARY "Hierarchical id").
type HierarchicalID struct {
	TableID  uint64
	PageNum  uint64
	RecordID int
}

// Less gives HierarchicalID a total lexicographic order (table, then
// page, then record). Nothing in this package calls it: the lock table
// is a plain map, and the deadlock detector orders its search by
// transaction id, not by resource id.
func (h HierarchicalID) Less(o HierarchicalID) bool {
	if h.TableID != o.TableID {
		return h.TableID < o.TableID
	}
	if h.PageNum != o.PageNum {
		return h.PageNum < o.PageNum
	}
	return h.RecordID < o.RecordID
}

// Lock is one request against a HierarchicalID, holding a back-reference
// to its owning transaction (spec.md §4.F "Build a new lock object").
type Lock struct {
	hid     HierarchicalID
	mode    Mode
	backref *txn.Transaction
	wait    bool
}

// HID returns the lock's target resource.
func (l *Lock) HID() HierarchicalID { return l.hid }

// Mode returns the lock's granted or requested mode.
func (l *Lock) Mode() Mode { return l.mode }

// Backref returns the owning transaction.
func (l *Lock) Backref() *txn.Transaction { return l.backref }

// resourceModule is the per-resource lock state of spec.md §4.F
// "Resource table": aggregate mode, running list, FIFO waiting list, and
// a condition variable for the acquire protocol's timed wait.
type resourceModule struct {
	mode    Mode
	cond    *sync.Cond
	running []*Lock
	waiting []*Lock
}

func lockable(mod *resourceModule, requested Mode) bool {
	return mod.mode == IDLE || (mod.mode == SHARED && requested == SHARED)
}

// Manager is the lock manager of spec.md §4.F, single-mutex-guarded per
// SPEC_FULL.md §4.F's grounding on the teacher's std::mutex-guarded
// unordered_map.
type Manager struct {
	mu        sync.Mutex
	resources map[HierarchicalID]*resourceModule
	detector  detector
}

// NewManager constructs an empty lock table.
func NewManager() *Manager {
	return &Manager{
		resources: make(map[HierarchicalID]*resourceModule),
		detector:  newDetector(),
	}
}

func (m *Manager) resourceLocked(hid HierarchicalID) *resourceModule {
	mod, ok := m.resources[hid]
	if !ok {
		mod = &resourceModule{mode: IDLE}
		mod.cond = sync.NewCond(&m.mu)
		m.resources[hid] = mod
	}
	return mod
}

// RequireLock implements spec.md §4.F's acquire protocol. It blocks
// until the lock is granted or the caller's transaction is chosen as a
// deadlock victim, in which case it returns ErrAborted.
func (m *Manager) RequireLock(backref *txn.Transaction, hid HierarchicalID, mode Mode) (*Lock, error) {
	lock := &Lock{hid: hid, mode: mode, backref: backref}

	m.mu.Lock()
	mod := m.resourceLocked(hid)

	if lockable(mod, mode) {
		mod.running = append(mod.running, lock)
		mod.mode = mode
		m.mu.Unlock()

		backref.SetRunning()
		backref.AddHeld(lock)
		return lock, nil
	}

	backref.SetWaiting(lock)
	lock.wait = true
	mod.waiting = append(mod.waiting, lock)

	for lock.wait {
		m.timedWait(mod, LockWait)
		if backref.State() == txn.ABORTED {
			removeLock(&mod.waiting, lock)
			m.mu.Unlock()
			return nil, ErrAborted
		}
		if lock.wait {
			// Either the poll interval elapsed with no grant, or we
			// woke spuriously; either way re-run detection (spec.md
			// §4.F step 5: "On each timeout, run detect_and_release()").
			m.detectAndReleaseLocked()
			if backref.State() == txn.ABORTED {
				removeLock(&mod.waiting, lock)
				m.mu.Unlock()
				return nil, ErrAborted
			}
		}
	}

	removeLock(&mod.waiting, lock)
	mod.mode = mode
	mod.running = append(mod.running, lock)
	backref.ClearWait()
	backref.SetRunning()
	backref.AddHeld(lock)
	m.mu.Unlock()

	return lock, nil
}

// timedWait wakes mod.cond.Wait() after at most d if no one else
// broadcasts first, giving the acquire protocol's blocking wait a
// polling cadence (spec.md §4.F step 5's "fixed poll interval"; a plain
// sync.Cond has no built-in deadline). The caller must hold m.mu on
// entry and will on return.
func (m *Manager) timedWait(mod *resourceModule, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		m.mu.Lock()
		mod.cond.Broadcast()
		m.mu.Unlock()
	})
	mod.cond.Wait()
	timer.Stop()
}

// ReleaseLock implements spec.md §4.F's release protocol.
func (m *Manager) ReleaseLock(lock *Lock) error {
	m.mu.Lock()
	mod, ok := m.resources[lock.hid]
	if !ok {
		m.mu.Unlock()
		return errors.New("lockmgr: release of unknown resource")
	}

	removeLock(&mod.running, lock)
	if len(mod.running) > 0 {
		m.mu.Unlock()
		return nil
	}

	if len(mod.waiting) == 0 {
		mod.mode = IDLE
		m.mu.Unlock()
		return nil
	}

	promoted := mod.waiting[0]
	promoted.wait = false
	promoted.backref.RemoveHeld(promoted)

	m.mu.Unlock()
	mod.cond.Broadcast()

	return nil
}

// ReleaseByTransaction releases every lock currently held by txID,
// implementing txn.Releaser so Transaction.Abort can call back into the
// lock manager without an import cycle (spec.md §4.E "on abort must
// release each held lock via the lock manager").
func (m *Manager) ReleaseByTransaction(txID uint64) []txn.Lock {
	m.mu.Lock()
	var held []*Lock
	for _, mod := range m.resources {
		for _, l := range mod.running {
			if l.backref.ID() == txID {
				held = append(held, l)
			}
		}
	}
	m.mu.Unlock()

	for _, l := range held {
		m.ReleaseLock(l)
	}
	out := make([]txn.Lock, len(held))
	for i, l := range held {
		out[i] = l
	}
	return out
}

// DetectAndRelease runs one deadlock-detection scan and aborts the
// chosen victim, if any (spec.md §4.F "detect_and_release()"). It is
// also invoked internally on every acquire-side poll timeout; it is
// exported so a background scheduler (or a test) can drive it directly.
func (m *Manager) DetectAndRelease() {
	m.mu.Lock()
	m.detectAndReleaseLocked()
	m.mu.Unlock()
}

// detectAndReleaseLocked requires m.mu held.
func (m *Manager) detectAndReleaseLocked() {
	if !m.detector.schedule() {
		return
	}
	victim := m.detector.findCycle(m.resources)
	if victim == nil {
		return
	}
	m.mu.Unlock()
	victim.Abort(m)
	m.mu.Lock()
}

// Shutdown resolves spec.md §9's first Open Question (the teacher's
// LockManager destructor and shutdown are unimplemented stubs). The
// decision recorded in DESIGN.md: abort every transaction currently
// waiting on a resource, so no goroutine is left blocked in RequireLock,
// then drop the resource table. Transactions already RUNNING keep their
// granted locks; this is teardown of the waiting, not a live-lock purge.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	waiters := make(map[uint64]*txn.Transaction)
	for _, mod := range m.resources {
		for _, l := range mod.waiting {
			waiters[l.backref.ID()] = l.backref
		}
	}
	resources := m.resources
	m.mu.Unlock()

	for _, t := range waiters {
		t.Abort(m)
	}

	m.mu.Lock()
	for _, mod := range resources {
		mod.cond.Broadcast()
	}
	m.resources = make(map[HierarchicalID]*resourceModule)
	m.mu.Unlock()
}

func removeLock(list *[]*Lock, target *Lock) {
	for i, l := range *list {
		if l == target {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
