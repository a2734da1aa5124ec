// Package filestore implements the paged file store: allocation and
// free-list management on a fixed-size page file behind a durable file
// header, grounded in original_source/project2/src/disk_manager.c and
// original_source/project3/src/disk_manager.c.
package filestore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"bptreekernel/pkg/page"
)

var (
	// ErrLocked is returned when another process already holds the file's
	// advisory exclusive lock (unix builds only).
	ErrLocked = errors.New("filestore: database file is locked by another process")
	// ErrIO wraps any read/write/seek failure from the backing file.
	ErrIO = errors.New("filestore: I/O failure")
	// ErrInvalidPage is returned for page numbers outside the allocated range.
	ErrInvalidPage = errors.New("filestore: invalid page number")
)

// Options configures a Store.
type Options struct {
	// Logger receives one-line diagnostics; a logger writing to standard
	// error is used when nil.
	Logger *log.Logger
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(os.Stderr, "", 0)
}

// Store is a single open paged file: its OS file handle, a stable file-id,
// and the cached file header (spec.md §4.B).
type Store struct {
	mu     sync.Mutex
	path   string
	id     ID
	f      *os.File
	header page.FileHeader
	log    *log.Logger
}

// Open opens an existing paged file read/write, or creates one with a
// zero-initialized header if it does not yet exist (spec.md §4.B "Open").
func Open(path string, opts Options) (*Store, error) {
	logger := opts.logger()
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}

	size, err := fileSize(f)
	if err != nil {
		closeFile(f)
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	s := &Store{path: path, id: ComputeID(path), f: f, log: logger}

	if size == 0 {
		if err := truncateFile(f, page.Size); err != nil {
			closeFile(f)
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
		}
		s.header = page.NewFileHeader()
		if err := s.writeHeaderLocked(); err != nil {
			closeFile(f)
			return nil, err
		}
		logger.Printf("filestore: created %s (file-id=%d)", path, s.id)
		return s, nil
	}

	buf := page.New()
	if err := preadFull(f, buf, 0); err != nil {
		closeFile(f)
		return nil, fmt.Errorf("%w: read header of %s: %v", ErrIO, path, err)
	}
	s.header = page.DecodeFileHeader(buf)
	logger.Printf("filestore: opened %s (file-id=%d, pages=%d)", path, s.id, s.header.NumberOfPages)
	return s, nil
}

// ID returns the store's stable file identity.
func (s *Store) ID() ID {
	return s.id
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close persists the header and releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeHeaderLocked(); err != nil {
		return err
	}
	if err := closeFile(s.f); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, s.path, err)
	}
	s.log.Printf("filestore: closed %s", s.path)
	return nil
}

// ReadHeader returns a snapshot of the cached file header.
func (s *Store) ReadHeader() page.FileHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// SetRootPageNumber updates the header's root pointer and persists it
// immediately, so a crash right after a tree's first insert never leaves
// the header pointing at a page the tree does not yet agree is the root.
func (s *Store) SetRootPageNumber(pagenum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.RootPageNumber = pagenum
	return s.writeHeaderLocked()
}

func (s *Store) writeHeaderLocked() error {
	if err := pwriteFull(s.f, s.header.Encode(), 0); err != nil {
		return fmt.Errorf("%w: write header of %s: %v", ErrIO, s.path, err)
	}
	return nil
}

// LastPagenum returns the highest allocated page number (0 if the file
// holds only the header page).
func (s *Store) LastPagenum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.NumberOfPages
}

// PageRead loads the page at pagenum into dst, which must be page.Size
// bytes long.
func (s *Store) PageRead(pagenum uint64, dst []byte) error {
	if pagenum == 0 {
		return fmt.Errorf("%w: page 0 is the file header, not a node", ErrInvalidPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pagenum > s.header.NumberOfPages {
		return fmt.Errorf("%w: %d (have %d pages)", ErrInvalidPage, pagenum, s.header.NumberOfPages)
	}
	if err := preadFull(s.f, dst, int64(pagenum)*page.Size); err != nil {
		return fmt.Errorf("%w: read page %d of %s: %v", ErrIO, pagenum, s.path, err)
	}
	return nil
}

// PageWrite persists src (page.Size bytes) to pagenum.
func (s *Store) PageWrite(pagenum uint64, src []byte) error {
	if pagenum == 0 {
		return fmt.Errorf("%w: page 0 must be written via SetRootPageNumber/header path", ErrInvalidPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pagenum > s.header.NumberOfPages {
		return fmt.Errorf("%w: %d (have %d pages)", ErrInvalidPage, pagenum, s.header.NumberOfPages)
	}
	if err := pwriteFull(s.f, src, int64(pagenum)*page.Size); err != nil {
		return fmt.Errorf("%w: write page %d of %s: %v", ErrIO, pagenum, s.path, err)
	}
	return nil
}

// PageCreate allocates a page number from the free list, extending the
// file first if the free list is empty (spec.md §4.B "page_create").
// The caller is responsible for page.Init before first tree use.
func (s *Store) PageCreate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header.FreePageNumber == 0 {
		n := s.header.NumberOfPages
		if n < 1 {
			n = 1
		}
		if err := s.extendFreeLocked(n); err != nil {
			return 0, err
		}
	}

	pagenum := s.header.FreePageNumber
	buf := page.New()
	if err := preadFull(s.f, buf, int64(pagenum)*page.Size); err != nil {
		return 0, fmt.Errorf("%w: read free page %d of %s: %v", ErrIO, pagenum, s.path, err)
	}
	s.header.FreePageNumber = page.NextFree(buf)
	if err := s.writeHeaderLocked(); err != nil {
		return 0, err
	}
	s.log.Printf("filestore: %s allocated page %d", s.path, pagenum)
	return pagenum, nil
}

// extendFreeLocked grows the file by num fresh pages, chaining them onto
// the free list head-first (spec.md §4.B "Rationale for doubling").
func (s *Store) extendFreeLocked(num uint64) error {
	if num < 1 {
		return fmt.Errorf("filestore: extendFree requires num >= 1, got %d", num)
	}

	last := s.header.NumberOfPages
	newSize := int64(last+num+1) * page.Size
	if err := truncateFile(s.f, newSize); err != nil {
		return fmt.Errorf("%w: extend %s: %v", ErrIO, s.path, err)
	}

	next := s.header.FreePageNumber
	buf := page.New()
	for i := uint64(1); i <= num; i++ {
		page.SetNextFree(buf, next)
		pagenum := last + i
		if err := pwriteFull(s.f, buf, int64(pagenum)*page.Size); err != nil {
			return fmt.Errorf("%w: write free page %d of %s: %v", ErrIO, pagenum, s.path, err)
		}
		next = pagenum
	}

	s.header.FreePageNumber = last + num
	s.header.NumberOfPages += num
	return s.writeHeaderLocked()
}

// PageFree returns pagenum to the free list. The page must be durable as a
// free-list node before the header points at it (spec.md §4.B "Ordering
// matters"), so the body write happens before the header write below.
func (s *Store) PageFree(pagenum uint64) error {
	if pagenum == 0 {
		return fmt.Errorf("%w: cannot free page 0", ErrInvalidPage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := page.New()
	if err := preadFull(s.f, buf, int64(pagenum)*page.Size); err != nil {
		return fmt.Errorf("%w: read page %d of %s: %v", ErrIO, pagenum, s.path, err)
	}
	page.SetNextFree(buf, s.header.FreePageNumber)
	if err := pwriteFull(s.f, buf, int64(pagenum)*page.Size); err != nil {
		return fmt.Errorf("%w: write free page %d of %s: %v", ErrIO, pagenum, s.path, err)
	}

	s.header.FreePageNumber = pagenum
	if err := s.writeHeaderLocked(); err != nil {
		return err
	}
	s.log.Printf("filestore: %s freed page %d", s.path, pagenum)
	return nil
}
