package tree

import (
	"fmt"
	"path/filepath"
	"testing"

	"bptreekernel/pkg/buffer"
	"bptreekernel/pkg/filestore"
)

func newTestTree(t *testing.T, capacity int) (*Tree, *filestore.Store, *buffer.Pool) {
	t.Helper()
	s, err := filestore.Open(filepath.Join(t.TempDir(), "t.db"), filestore.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	pool := buffer.NewPool(buffer.Options{Capacity: capacity})
	return New(s, pool), s, pool
}

func valueOf(s string) Value {
	var v Value
	copy(v[:], s)
	return v
}

func TestInsertAndFindRoundTrip(t *testing.T) {
	tr, _, _ := newTestTree(t, 8)

	if err := tr.Insert(1, valueOf("a"), nil); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	if err := tr.Insert(2, valueOf("b"), nil); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	if err := tr.Insert(3, valueOf("c"), nil); err != nil {
		t.Fatalf("Insert(3): %v", err)
	}

	got, err := tr.Find(2)
	if err != nil {
		t.Fatalf("Find(2): %v", err)
	}
	if string(got[:1]) != "b" {
		t.Errorf("Find(2) = %q, want %q", got[:1], "b")
	}
}

func TestFindMissingKey(t *testing.T) {
	tr, _, _ := newTestTree(t, 8)
	if err := tr.Insert(1, valueOf("a"), nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := tr.Find(99); err != ErrNotFound {
		t.Fatalf("Find(99) = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr, _, _ := newTestTree(t, 8)
	if err := tr.Insert(1, valueOf("a"), nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(1, valueOf("z"), nil); err != ErrDuplicateKey {
		t.Fatalf("second Insert(1) = %v, want ErrDuplicateKey", err)
	}
}

func TestDeleteThenFindMissing(t *testing.T) {
	tr, _, _ := newTestTree(t, 8)
	for i := int64(1); i <= 5; i++ {
		if err := tr.Insert(i, valueOf(fmt.Sprintf("v%d", i)), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.Delete(3, nil); err != nil {
		t.Fatalf("Delete(3): %v", err)
	}
	if _, err := tr.Find(3); err != ErrNotFound {
		t.Fatalf("Find(3) after delete = %v, want ErrNotFound", err)
	}
	got, err := tr.Find(4)
	if err != nil || string(got[:2]) != "v4" {
		t.Fatalf("Find(4) = %q, %v, want v4, nil", got[:2], err)
	}
}

func TestInsertForcesLeafSplit(t *testing.T) {
	tr, s, _ := newTestTree(t, 32)
	const n = int64(leafCapacity) + 5
	for i := int64(0); i < n; i++ {
		if err := tr.Insert(i, valueOf(fmt.Sprintf("%d", i)), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := int64(0); i < n; i++ {
		got, err := tr.Find(i)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		want := fmt.Sprintf("%d", i)
		if string(got[:len(want)]) != want {
			t.Fatalf("Find(%d) = %q, want %q", i, got[:len(want)], want)
		}
	}
	hdr := s.ReadHeader()
	if hdr.NumberOfPages < 3 {
		t.Errorf("expected at least 3 pages allocated after a split, got %d", hdr.NumberOfPages)
	}
}

func TestInsertUndoLogRollsBack(t *testing.T) {
	tr, _, _ := newTestTree(t, 8)
	var undo []func()
	push := func(fn func()) { undo = append(undo, fn) }

	if err := tr.Insert(1, valueOf("a"), push); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(2, valueOf("b"), push); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}

	if _, err := tr.Find(1); err != ErrNotFound {
		t.Errorf("Find(1) after undo = %v, want ErrNotFound", err)
	}
	if _, err := tr.Find(2); err != ErrNotFound {
		t.Errorf("Find(2) after undo = %v, want ErrNotFound", err)
	}
}
