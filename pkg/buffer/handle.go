package buffer

import (
	"fmt"

	"bptreekernel/pkg/filestore"
)

// Handle is a short-lived reference to a pinned frame (spec.md §4.D
// "Buffer Handle"). It revalidates itself on re-entry and exposes scoped
// read/write sessions; this is the Go analogue of the teacher/original
// C++ "Ubuffer".
type Handle struct {
	frame   *frame
	pagenum uint64
	file    *filestore.Store
	pool    *Pool
}

// Pagenum returns the handle's target page number, reloading first if the
// backing frame has gone stale.
func (h *Handle) Pagenum() (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.frame.pagenum, nil
}

// check verifies the handle's (file, pagenum) still matches its frame,
// reloading from the pool if the frame has been evicted or reused
// (spec.md §4.D "Scoped session" step 1, and §7.3).
func (h *Handle) check() error {
	if h.frame.file != nil && h.frame.file.ID() == h.file.ID() && h.frame.pagenum == h.pagenum {
		return nil
	}
	return h.reload()
}

func (h *Handle) reload() error {
	reloaded, err := h.pool.Buffering(h.file, h.pagenum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	h.frame = reloaded.frame
	return nil
}

// Use runs callback against the page image under a scoped READ or WRITE
// session (spec.md §4.D "Scoped session"): check, start_use, callback,
// end_use. Dirty is set exactly when a WRITE session completes
// successfully, and the frame moves to MRU exactly on successful use.
func (h *Handle) Use(flag RWFlag, callback func(image []byte) error) error {
	if err := h.check(); err != nil {
		return err
	}
	f := h.frame
	f.startUse(flag)

	err := callback(f.image)

	f.endUse(flag)
	h.pool.mu.Lock()
	h.pool.appendMRU(f.blockIdx, true)
	h.pool.mu.Unlock()

	return err
}
