package lockmgr

import (
	"testing"
	"time"

	"bptreekernel/pkg/txn"
)

func TestGrantCompatibilitySharedShared(t *testing.T) {
	m := NewManager()
	tm := txn.NewManager()
	t1 := tm.Begin()
	t2 := tm.Begin()
	hid := HierarchicalID{TableID: 1, PageNum: 2, RecordID: 0}

	l1, err := m.RequireLock(t1, hid, SHARED)
	if err != nil {
		t.Fatalf("RequireLock t1: %v", err)
	}
	l2, err := m.RequireLock(t2, hid, SHARED)
	if err != nil {
		t.Fatalf("RequireLock t2: %v", err)
	}
	if l1.Mode() != SHARED || l2.Mode() != SHARED {
		t.Fatalf("expected both SHARED grants")
	}
	if t1.State() != txn.RUNNING || t2.State() != txn.RUNNING {
		t.Fatalf("both transactions should be RUNNING after a compatible grant")
	}
}

func TestWaitAndGrantOnRelease(t *testing.T) {
	m := NewManager()
	tm := txn.NewManager()
	t1 := tm.Begin()
	t2 := tm.Begin()
	hid := HierarchicalID{TableID: 10, PageNum: 20, RecordID: 0}

	l1, err := m.RequireLock(t1, hid, EXCLUSIVE)
	if err != nil {
		t.Fatalf("RequireLock t1: %v", err)
	}

	grantCh := make(chan *Lock, 1)
	errCh := make(chan error, 1)
	go func() {
		l2, err := m.RequireLock(t2, hid, SHARED)
		if err != nil {
			errCh <- err
			return
		}
		grantCh <- l2
	}()

	time.Sleep(3 * LockWait)
	if t2.State() != txn.WAITING {
		t.Fatalf("t2 should be WAITING, got %s", t2.State())
	}

	// T1 commits: release its lock so T2 can be granted.
	if err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.ReleaseLock(l1); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("t2's RequireLock failed: %v", err)
	case l2 := <-grantCh:
		if t2.State() != txn.RUNNING {
			t.Errorf("t2 state = %s, want RUNNING", t2.State())
		}
		held := t2.Held()
		count := 0
		for _, h := range held {
			if h == l2 {
				count++
			}
		}
		if count != 1 {
			t.Errorf("t2's held list should contain its lock exactly once, got %d", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("t2 never got granted its lock after t1 released")
	}
}

func TestDeadlockResolution(t *testing.T) {
	m := NewManager()
	tm := txn.NewManager()
	t1 := tm.Begin()
	t2 := tm.Begin()
	a := HierarchicalID{TableID: 1, PageNum: 1, RecordID: 0}
	b := HierarchicalID{TableID: 1, PageNum: 2, RecordID: 0}

	if _, err := m.RequireLock(t1, a, EXCLUSIVE); err != nil {
		t.Fatalf("t1 acquire A: %v", err)
	}
	if _, err := m.RequireLock(t2, b, EXCLUSIVE); err != nil {
		t.Fatalf("t2 acquire B: %v", err)
	}

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { _, err := m.RequireLock(t1, b, EXCLUSIVE); done1 <- err }()
	go func() { _, err := m.RequireLock(t2, a, EXCLUSIVE); done2 <- err }()

	var err1, err2 error
	timeout := time.After(4 * LockWait * 10)
	got := 0
	for got < 2 {
		select {
		case err1 = <-done1:
			got++
		case err2 = <-done2:
			got++
		case <-timeout:
			t.Fatal("deadlock was never resolved within the expected window")
		}
	}

	aborted := (err1 == ErrAborted) != (err2 == ErrAborted)
	if !aborted {
		t.Fatalf("expected exactly one of the two acquires to report abort, got err1=%v err2=%v", err1, err2)
	}
	bothTerminal := (t1.State() == txn.ABORTED || t1.State() == txn.RUNNING) &&
		(t2.State() == txn.ABORTED || t2.State() == txn.RUNNING)
	if !bothTerminal {
		t.Fatalf("expected both transactions in a terminal non-waiting state, got t1=%s t2=%s", t1.State(), t2.State())
	}
	oneAborted := (t1.State() == txn.ABORTED) != (t2.State() == txn.ABORTED)
	if !oneAborted {
		t.Fatalf("expected exactly one transaction ABORTED, got t1=%s t2=%s", t1.State(), t2.State())
	}
}
