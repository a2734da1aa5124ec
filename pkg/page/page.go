// Package page defines the fixed-size on-disk page image shared by the
// file store, buffer pool, and B+-tree client: a file header page (page 0)
// and regular pages carrying a 128-byte header followed by a body.
package page

import "encoding/binary"

const (
	// Size is the fixed byte length of every page image.
	Size = 4096

	// HeaderSize is the length of the regular page header (pages > 0).
	HeaderSize = 128

	// BodySize is the usable space after the regular page header.
	BodySize = Size - HeaderSize

	// FileHeaderSize is the length of the file header's used portion;
	// the remainder of page 0 is reserved and zero.
	FileHeaderSize = 24
)

// Invalid is the sentinel value for an absent page reference (max uint64,
// "INVALID" in spec.md).
const Invalid = ^uint64(0)

// FileHeaderPagenum is the page number of the file header (always 0, never
// a tree node and never on the free list).
const FileHeaderPagenum = 0

// FileHeader is the fixed layout of page 0.
//
//	bytes 0..7:  FreePageNumber (head of free list, 0 = empty)
//	bytes 8..15: RootPageNumber (Invalid if no tree root yet)
//	bytes 16..23: NumberOfPages (total allocated, excluding page 0)
type FileHeader struct {
	FreePageNumber uint64
	RootPageNumber uint64
	NumberOfPages  uint64
}

// Encode serializes the header into a Size-length page image. The bytes
// past FileHeaderSize are left zero.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[0:8], h.FreePageNumber)
	binary.LittleEndian.PutUint64(buf[8:16], h.RootPageNumber)
	binary.LittleEndian.PutUint64(buf[16:24], h.NumberOfPages)
	return buf
}

// DecodeFileHeader reads a FileHeader out of a Size-length page image.
func DecodeFileHeader(buf []byte) FileHeader {
	return FileHeader{
		FreePageNumber: binary.LittleEndian.Uint64(buf[0:8]),
		RootPageNumber: binary.LittleEndian.Uint64(buf[8:16]),
		NumberOfPages:  binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// NewFileHeader returns a zero-initialized header: empty free list, no
// root, no pages.
func NewFileHeader() FileHeader {
	return FileHeader{FreePageNumber: 0, RootPageNumber: Invalid, NumberOfPages: 0}
}

// Header is the 128-byte header every page beyond page 0 carries.
//
//	0..7:   ParentPageNumber (u64)
//	8..11:  IsLeaf (u32, 0 or 1)
//	12..15: NumberOfKeys (u32)
//	16..119: reserved, zero
//	120..127: SpecialPageNumber (u64) — right-sibling for leaves,
//	          leftmost child for internals (pkg/tree routes keys below
//	          the first separator there; the rightmost child is the last
//	          record's child, not this field), next-free for free pages.
type Header struct {
	ParentPageNumber  uint64
	IsLeaf            bool
	NumberOfKeys      uint32
	SpecialPageNumber uint64
}

// EncodeInto writes the header fields into the first HeaderSize bytes of a
// Size-length page image, leaving the body (and reserved bytes) untouched.
func (h *Header) EncodeInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.ParentPageNumber)
	if h.IsLeaf {
		binary.LittleEndian.PutUint32(buf[8:12], 1)
	} else {
		binary.LittleEndian.PutUint32(buf[8:12], 0)
	}
	binary.LittleEndian.PutUint32(buf[12:16], h.NumberOfKeys)
	binary.LittleEndian.PutUint64(buf[120:128], h.SpecialPageNumber)
}

// DecodeHeader reads the page header out of a Size-length page image.
func DecodeHeader(buf []byte) Header {
	return Header{
		ParentPageNumber:  binary.LittleEndian.Uint64(buf[0:8]),
		IsLeaf:            binary.LittleEndian.Uint32(buf[8:12]) != 0,
		NumberOfKeys:      binary.LittleEndian.Uint32(buf[12:16]),
		SpecialPageNumber: binary.LittleEndian.Uint64(buf[120:128]),
	}
}

// Body returns the mutable body slice of a page image (everything past the
// regular page header).
func Body(buf []byte) []byte {
	return buf[HeaderSize:Size]
}

// FreePageHeader overlays SpecialPageNumber as the free list's NextPageNumber:
// a freed page stores the next free page number in the same 8 bytes a tree
// node would use for its right-sibling / rightmost-child pointer.
type FreePageHeader struct {
	NextPageNumber uint64
}

// SetNextFree writes a free page's chain pointer into a page image.
func SetNextFree(buf []byte, next uint64) {
	binary.LittleEndian.PutUint64(buf[120:128], next)
}

// NextFree reads a free page's chain pointer out of a page image.
func NextFree(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[120:128])
}

// New returns a zero-initialized Size-length page image.
func New() []byte {
	return make([]byte, Size)
}

// Init writes a fresh page header (matching spec.md's page_init): the
// given leaf flag, zero keys, and INVALID parent/special pointers.
func Init(buf []byte, isLeaf bool) {
	h := Header{
		ParentPageNumber:  Invalid,
		IsLeaf:            isLeaf,
		NumberOfKeys:      0,
		SpecialPageNumber: Invalid,
	}
	h.EncodeInto(buf)
}
