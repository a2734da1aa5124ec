package txn

import "testing"

type fakeReleaser struct {
	released []uint64
}

func (f *fakeReleaser) ReleaseByTransaction(txID uint64) []Lock {
	f.released = append(f.released, txID)
	return nil
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	m := NewManager()
	t1 := m.Begin()
	t2 := m.Begin()
	if t1.ID() == t2.ID() {
		t.Fatalf("expected distinct ids, got %d and %d", t1.ID(), t2.ID())
	}
	if t2.ID() <= t1.ID() {
		t.Errorf("expected monotonically increasing ids, got %d then %d", t1.ID(), t2.ID())
	}
	if t1.State() != RUNNING {
		t.Errorf("Begin should leave the transaction RUNNING, got %s", t1.State())
	}
}

func TestCommitRequiresRunning(t *testing.T) {
	tr := New(1)
	if err := tr.Commit(); err != ErrNotRunning {
		t.Fatalf("Commit on IDLE transaction: got %v, want ErrNotRunning", err)
	}
	tr.SetRunning()
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tr.State() != COMMITTED {
		t.Errorf("state = %s, want COMMITTED", tr.State())
	}
}

func TestAbortRunsUndoLogInReverse(t *testing.T) {
	tr := New(1)
	tr.SetRunning()

	var order []int
	tr.PushUndo(func() { order = append(order, 1) })
	tr.PushUndo(func() { order = append(order, 2) })
	tr.PushUndo(func() { order = append(order, 3) })

	r := &fakeReleaser{}
	tr.Abort(r)

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if tr.State() != ABORTED {
		t.Errorf("state = %s, want ABORTED", tr.State())
	}
	if len(r.released) != 1 || r.released[0] != 1 {
		t.Errorf("releaser should have been called once with txn id 1, got %v", r.released)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	tr := New(1)
	tr.SetRunning()
	r := &fakeReleaser{}
	tr.Abort(r)
	tr.Abort(r)
	if len(r.released) != 1 {
		t.Errorf("second Abort call should be a no-op, releaser called %d times", len(r.released))
	}
}

func TestHeldListFIFOAndRemoval(t *testing.T) {
	tr := New(1)
	a, b, c := "lockA", "lockB", "lockC"
	tr.AddHeld(a)
	tr.AddHeld(b)
	tr.AddHeld(c)
	if tr.HeldCount() != 3 {
		t.Fatalf("HeldCount = %d, want 3", tr.HeldCount())
	}
	tr.RemoveHeld(b)
	held := tr.Held()
	if len(held) != 2 || held[0] != a || held[1] != c {
		t.Fatalf("held = %v, want [%v %v]", held, a, c)
	}
}

func TestWaitPointerLifecycle(t *testing.T) {
	tr := New(1)
	if tr.Wait() != nil {
		t.Fatalf("new transaction should have no pending wait")
	}
	tr.SetWaiting("lockX")
	if tr.State() != WAITING {
		t.Errorf("state = %s, want WAITING", tr.State())
	}
	if tr.Wait() != "lockX" {
		t.Errorf("Wait() = %v, want lockX", tr.Wait())
	}
	tr.ClearWait()
	if tr.Wait() != nil {
		t.Errorf("ClearWait should clear the pending lock")
	}
	if tr.State() != WAITING {
		t.Errorf("ClearWait should not change state, got %s", tr.State())
	}
}
