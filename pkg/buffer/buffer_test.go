package buffer

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bptreekernel/pkg/filestore"
	"bptreekernel/pkg/page"
)

func openStore(t *testing.T, name string) *filestore.Store {
	t.Helper()
	s, err := filestore.Open(filepath.Join(t.TempDir(), name), filestore.Options{})
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func allocPage(t *testing.T, s *filestore.Store) uint64 {
	t.Helper()
	pn, err := s.PageCreate()
	if err != nil {
		t.Fatalf("PageCreate: %v", err)
	}
	buf := page.New()
	page.Init(buf, true)
	if err := s.PageWrite(pn, buf); err != nil {
		t.Fatalf("PageWrite: %v", err)
	}
	return pn
}

func TestBufferingMissThenHit(t *testing.T) {
	s := openStore(t, "a.db")
	pn := allocPage(t, s)

	pool := NewPool(Options{Capacity: 3})
	h1, err := pool.Buffering(s, pn)
	if err != nil {
		t.Fatalf("Buffering: %v", err)
	}
	h2, err := pool.Buffering(s, pn)
	if err != nil {
		t.Fatalf("Buffering: %v", err)
	}
	if pool.NumBuffered() != 1 {
		t.Errorf("NumBuffered = %d, want 1 (deduplicated frame)", pool.NumBuffered())
	}
	_ = h1
	_ = h2
}

func TestEvictionWithDirtyWriteBack(t *testing.T) {
	s := openStore(t, "b.db")
	pages := make([]uint64, 4)
	for i := range pages {
		pages[i] = allocPage(t, s)
	}

	pool := NewPool(Options{Capacity: 3})

	h1, err := pool.Buffering(s, pages[0])
	if err != nil {
		t.Fatalf("Buffering(1): %v", err)
	}
	if _, err := pool.Buffering(s, pages[1]); err != nil {
		t.Fatalf("Buffering(2): %v", err)
	}
	if _, err := pool.Buffering(s, pages[2]); err != nil {
		t.Fatalf("Buffering(3): %v", err)
	}

	if err := h1.Use(WRITE, func(img []byte) error {
		copy(page.Body(img), []byte("dirty-bytes"))
		return nil
	}); err != nil {
		t.Fatalf("Use(WRITE): %v", err)
	}

	// page[1] is now least-recently-used (h1 and page[2] were touched
	// more recently); loading a 4th page should evict it.
	if _, err := pool.Buffering(s, pages[3]); err != nil {
		t.Fatalf("Buffering(4): %v", err)
	}

	if err := pool.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := page.New()
	if err := s.PageRead(pages[0], got); err != nil {
		t.Fatalf("PageRead: %v", err)
	}
	if string(page.Body(got)[:11]) != "dirty-bytes" {
		t.Errorf("written page lost its dirty write-back: got %q", page.Body(got)[:11])
	}
}

func TestCapacityExhaustionWhenAllPinned(t *testing.T) {
	s := openStore(t, "c.db")
	pages := make([]uint64, 4)
	for i := range pages {
		pages[i] = allocPage(t, s)
	}

	pool := NewPool(Options{Capacity: 3})
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := pool.Buffering(s, pages[i])
		if err != nil {
			t.Fatalf("Buffering: %v", err)
		}
		handles = append(handles, h)
	}

	done := make(chan struct{})
	go func() {
		handles[0].Use(READ, func([]byte) error {
			return handles[1].Use(READ, func([]byte) error {
				return handles[2].Use(READ, func([]byte) error {
					close(done)
					time.Sleep(50 * time.Millisecond)
					return nil
				})
			})
		})
	}()
	<-done

	// all three frames transiently pinned: loading a 4th page must fail
	// to evict anything and return ErrCapacityExhausted, OR succeed once
	// the goroutine above releases its pins. We only assert no panic/deadlock
	// and that eventually buffering succeeds once unpinned.
	for i := 0; i < 50; i++ {
		if _, err := pool.Buffering(s, pages[3]); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Buffering never succeeded after pins were released")
}

func TestReaderParallelismWriterExclusion(t *testing.T) {
	s := openStore(t, "d.db")
	pn := allocPage(t, s)
	pool := NewPool(Options{Capacity: 3})

	h, err := pool.Buffering(s, pn)
	if err != nil {
		t.Fatalf("Buffering: %v", err)
	}
	h2, err := pool.Buffering(s, pn)
	if err != nil {
		t.Fatalf("Buffering: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []string

	readerAStarted := make(chan struct{})
	readerADone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Use(READ, func([]byte) error {
			close(readerAStarted)
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			order = append(order, "A")
			mu.Unlock()
			return nil
		})
		close(readerADone)
	}()

	<-readerAStarted
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2.Use(READ, func([]byte) error {
			mu.Lock()
			order = append(order, "B")
			mu.Unlock()
			return nil
		})
	}()

	// the writer starts while reader A still holds its session.
	writerDone := make(chan struct{})
	h3, err := pool.Buffering(s, pn)
	if err != nil {
		t.Fatalf("Buffering: %v", err)
	}
	go func() {
		h3.Use(WRITE, func([]byte) error {
			mu.Lock()
			order = append(order, "W")
			mu.Unlock()
			return nil
		})
		close(writerDone)
	}()

	wg.Wait()
	<-readerADone
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer did not complete after readers finished")
	}

	mu.Lock()
	defer mu.Unlock()
	// B finishing inside A's session shows the readers ran in parallel;
	// W last shows the writer waited for both readers.
	if len(order) != 3 || order[0] != "B" || order[1] != "A" || order[2] != "W" {
		t.Fatalf("order = %v, want [B A W]", order)
	}
}
