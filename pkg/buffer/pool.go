// Package buffer implements the bounded buffer pool: a fixed frame array
// with hash-free linear lookup by (file-id, page-number), LRU/MRU victim
// selection, pin counts, dirty write-back on eviction, and scoped buffer
// handles (spec.md §4.C, §4.D), grounded in
// original_source/project4/src/buffer_manager.cpp.
package buffer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"bptreekernel/pkg/filestore"
	"bptreekernel/pkg/page"
)

var (
	// ErrCapacityExhausted is returned when every frame is pinned and no
	// victim can be evicted (spec.md §7.2).
	ErrCapacityExhausted = errors.New("buffer: no unpinned frame available")
	// ErrInvalidHandle is returned when a handle can no longer be
	// revalidated against any live frame (spec.md §7.3).
	ErrInvalidHandle = errors.New("buffer: handle could not be reloaded")
)

// Options configures a Pool.
type Options struct {
	// Capacity is the number of frames in the pool. Must be >= 1.
	Capacity int
	// Policy selects the eviction strategy; defaults to LRU.
	Policy EvictionPolicy
	Logger *log.Logger
}

// Pool is the bounded set of page frames described in spec.md §3/§4.C.
type Pool struct {
	mu sync.Mutex

	capacity  int
	numBuffer int
	lru, mru  int
	frames    []*frame
	policy    EvictionPolicy
	log       *log.Logger
}

// NewPool constructs a Pool with the given capacity.
func NewPool(opts Options) *Pool {
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = 1
	}
	policy := opts.Policy
	if policy == nil {
		policy = LRU
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}

	p := &Pool{
		capacity: capacity,
		lru:      sentinel,
		mru:      sentinel,
		frames:   make([]*frame, capacity),
		policy:   policy,
		log:      logger,
	}
	for i := range p.frames {
		p.frames[i] = newFrame(i, p)
	}
	return p
}

// Capacity returns the number of frame slots in the pool.
func (p *Pool) Capacity() int { return p.capacity }

// NumBuffered returns the count of frames currently owning a page.
func (p *Pool) NumBuffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numBuffer
}

// find returns the frame index holding (fileID, pagenum), or -1.
// Caller must hold p.mu.
func (p *Pool) find(fileID filestore.ID, pagenum uint64) int {
	for i, f := range p.frames {
		if f.owned() && f.pagenum == pagenum && f.file.ID() == fileID {
			return i
		}
	}
	return -1
}

// linkNeighbor removes frame idx from the usage list. Caller must hold p.mu.
func (p *Pool) linkNeighbor(idx int) {
	f := p.frames[idx]
	if f.nextUse == sentinel {
		p.mru = f.prevUse
	} else {
		p.frames[f.nextUse].prevUse = f.prevUse
	}
	if f.prevUse == sentinel {
		p.lru = f.nextUse
	} else {
		p.frames[f.prevUse].nextUse = f.nextUse
	}
}

// appendMRU re-appends frame idx at the MRU end, unlinking it from its
// current position first when link is true. Caller must hold p.mu.
func (p *Pool) appendMRU(idx int, link bool) {
	if link {
		p.linkNeighbor(idx)
	}
	f := p.frames[idx]
	f.prevUse = p.mru
	f.nextUse = sentinel
	if p.mru != sentinel {
		p.frames[p.mru].nextUse = idx
	}
	p.mru = idx
	if p.lru == sentinel {
		p.lru = idx
	}
}

// alloc finds a free slot, or evicts a victim via the pool's policy.
// Caller must hold p.mu.
func (p *Pool) alloc() (int, error) {
	var idx int
	if p.numBuffer < p.capacity {
		idx = -1
		for i, f := range p.frames {
			if !f.owned() {
				idx = i
				break
			}
		}
		if idx == -1 {
			return -1, ErrCapacityExhausted
		}
	} else {
		var err error
		idx, err = p.evict()
		if err != nil {
			return -1, err
		}
	}
	p.numBuffer++
	return idx, nil
}

// evict walks the configured policy's chain, skipping pinned frames, and
// releases the first unpinned one found (spec.md §4.C "Eviction").
// Caller must hold p.mu.
func (p *Pool) evict() (int, error) {
	idx := p.policy.init(p)
	for idx != sentinel && p.frames[idx].pinCount() != 0 {
		idx = p.policy.next(p, idx)
	}
	if idx == sentinel {
		return -1, ErrCapacityExhausted
	}
	if err := p.releaseBlockLocked(idx); err != nil {
		return -1, err
	}
	return idx, nil
}

// releaseBlockLocked writes back a dirty frame and returns it to the
// unowned state. Caller must hold p.mu.
func (p *Pool) releaseBlockLocked(idx int) error {
	f := p.frames[idx]
	if !f.owned() {
		return fmt.Errorf("buffer: releaseBlock on unowned frame %d", idx)
	}
	p.linkNeighbor(idx)
	if f.isDirty {
		if err := f.file.PageWrite(f.pagenum, f.image); err != nil {
			return fmt.Errorf("buffer: write-back frame %d (page %d): %w", idx, f.pagenum, err)
		}
	}
	f.reset()
	p.numBuffer--
	return nil
}

// load allocates a frame and reads pagenum from file into it.
// Caller must hold p.mu.
func (p *Pool) load(file *filestore.Store, pagenum uint64) (int, error) {
	idx, err := p.alloc()
	if err != nil {
		return -1, err
	}
	f := p.frames[idx]
	if err := file.PageRead(pagenum, f.image); err != nil {
		f.reset()
		p.numBuffer--
		return -1, err
	}
	f.file = file
	f.pagenum = pagenum
	p.appendMRU(idx, false)
	return idx, nil
}

// Buffering returns a handle for (file, pagenum), loading it from the file
// store on a miss (spec.md §4.C "buffering").
func (p *Pool) Buffering(file *filestore.Store, pagenum uint64) (*Handle, error) {
	p.mu.Lock()
	idx := p.find(file.ID(), pagenum)
	if idx == -1 {
		var err error
		idx, err = p.load(file, pagenum)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	f := p.frames[idx]
	p.mu.Unlock()
	return &Handle{frame: f, pagenum: pagenum, file: file, pool: p}, nil
}

// NewPage allocates a fresh page via the file store and returns a handle
// for it (spec.md §4.C "new_page"). Any cached copy of the file's header
// page is released first, since the file store will mutate the header
// under its own read-modify-write and the cached copy would go stale.
func (p *Pool) NewPage(file *filestore.Store) (*Handle, error) {
	p.mu.Lock()
	if idx := p.find(file.ID(), page.FileHeaderPagenum); idx != -1 {
		if err := p.releaseBlockLocked(idx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}

	idx, err := p.alloc()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	f := p.frames[idx]

	pagenum, err := file.PageCreate()
	if err != nil {
		f.reset()
		p.numBuffer--
		p.mu.Unlock()
		return nil, err
	}
	page.Init(f.image, false)
	f.file = file
	f.pagenum = pagenum
	f.isDirty = true
	p.appendMRU(idx, false)
	p.mu.Unlock()

	return &Handle{frame: f, pagenum: pagenum, file: file, pool: p}, nil
}

// FreePage releases any cached frame for pagenum (and for the file's
// header page, for the same staleness reason as NewPage) before delegating
// the actual free to the file store (spec.md §4.C "free_page").
func (p *Pool) FreePage(file *filestore.Store, pagenum uint64) error {
	p.mu.Lock()
	if idx := p.find(file.ID(), pagenum); idx != -1 {
		if err := p.releaseBlockLocked(idx); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	if idx := p.find(file.ID(), page.FileHeaderPagenum); idx != -1 {
		if err := p.releaseBlockLocked(idx); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()
	return file.PageFree(pagenum)
}

// ReleaseFile releases every frame owned by fileID, flushing dirty frames
// first. Called by higher layers before closing a file
// (spec.md §4.C "release_file").
func (p *Pool) ReleaseFile(fileID filestore.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.frames {
		if f.owned() && f.file.ID() == fileID {
			if err := p.releaseBlockLocked(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown releases every owned frame, flushing dirty pages back to their
// files.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.frames {
		if f.owned() {
			if err := p.releaseBlockLocked(i); err != nil {
				return err
			}
		}
	}
	p.log.Printf("buffer: pool shut down (%d frames)", p.capacity)
	return nil
}
