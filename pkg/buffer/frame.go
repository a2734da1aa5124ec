package buffer

import (
	"runtime"
	"sync/atomic"

	"bptreekernel/pkg/filestore"
	"bptreekernel/pkg/page"
)

// RWFlag selects a read or write scoped session on a Handle (spec.md §4.D).
type RWFlag int

const (
	READ RWFlag = iota
	WRITE
)

// sentinel marks "no neighbor" in the intrusive LRU/MRU list, the Go
// analogue of the teacher's -1 index sentinel
// (original_source/project4/src/buffer_manager.cpp uses -1 throughout).
const sentinel = -1

// frame is one slot of the buffer pool's fixed frame array: a pinned page
// image plus its position in the LRU/MRU usage chain (spec.md §3 "Buffer
// frame").
type frame struct {
	blockIdx int
	pool     *Pool

	file    *filestore.Store
	pagenum uint64
	image   []byte

	isDirty bool
	// pin: positive = N readers, negative = one writer, zero = idle
	// (spec.md §9 "Pin counter as a sign-bit mode").
	pin int32

	prevUse int
	nextUse int
}

func newFrame(idx int, pool *Pool) *frame {
	return &frame{blockIdx: idx, pool: pool, image: page.New(), prevUse: sentinel, nextUse: sentinel}
}

func (f *frame) reset() {
	f.file = nil
	f.pagenum = page.Invalid
	f.isDirty = false
	atomic.StoreInt32(&f.pin, 0)
	f.prevUse = sentinel
	f.nextUse = sentinel
}

func (f *frame) owned() bool {
	return f.file != nil
}

// startUse implements spec.md §4.D step 2: for READ, spin until pin >= 0
// then increment; for WRITE, spin until pin == 0 then decrement.
func (f *frame) startUse(flag RWFlag) {
	if flag == READ {
		for {
			cur := atomic.LoadInt32(&f.pin)
			if cur >= 0 && atomic.CompareAndSwapInt32(&f.pin, cur, cur+1) {
				return
			}
			runtime.Gosched()
		}
	}
	for {
		if atomic.CompareAndSwapInt32(&f.pin, 0, -1) {
			return
		}
		runtime.Gosched()
	}
}

// endUse implements spec.md §4.D step 4.
func (f *frame) endUse(flag RWFlag) {
	if flag == READ {
		atomic.AddInt32(&f.pin, -1)
		return
	}
	atomic.AddInt32(&f.pin, 1)
	f.isDirty = true
}

func (f *frame) pinCount() int32 {
	return atomic.LoadInt32(&f.pin)
}
