// Package tree implements a minimal B+-tree client over the buffer pool,
// the external collaborator spec.md §4 leaves as a black box beyond
// "structural mutation" and "undo log" hooks. Grounded in
// mjm918-tur/pkg/tree/interface.go's Tree/Cursor shape (the Insert/Get/
// Delete surface this package exposes) and pkg/btree/btree.go's
// page-based node layout (fixed-size records packed into a page body,
// a leaf right-sibling pointer carried in the header's special field).
//
// Unlike the teacher's general-purpose byte-slice keys, this tree keeps
// the on-disk record shape DESIGN.md's record-width decision fixes for a
// disk page format: a fixed-width primary key and fixed-width value, matching the
// historical HYU-ITE2038 bpt course project's record layout
// (original_source/project4's UbufferRecordRef wraps exactly one such
// record). Redistribution and coalescence on delete are out of scope
// (SPEC_FULL.md §1 notes the tree is deliberately simple);
// deletes only remove the key, they do not rebalance underfull leaves.
package tree

import (
	"encoding/binary"
	"errors"
	"sort"

	"bptreekernel/pkg/buffer"
	"bptreekernel/pkg/filestore"
	"bptreekernel/pkg/page"
)

const (
	// ValueSize is the fixed record payload width, matching the classic
	// bpt course project's char value[120].
	ValueSize = 120
	// keySize + ValueSize per leaf record.
	leafRecordSize = 8 + ValueSize
	// internal record: separator key + child page number.
	internalRecordSize = 16

	leafCapacity     = page.BodySize / leafRecordSize
	internalCapacity = page.BodySize / internalRecordSize
)

var (
	// ErrNotFound is returned by Find when the key is absent.
	ErrNotFound = errors.New("tree: key not found")
	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("tree: duplicate key")
)

// Value is the fixed-width record payload.
type Value [ValueSize]byte

// Tree is a B+-tree rooted at a file's root page, operating entirely
// through buffer.Handle sessions so every read/write participates in the
// pool's pin discipline (spec.md §4.D).
type Tree struct {
	store *filestore.Store
	pool  *buffer.Pool
}

// New constructs a Tree client over an already-open file and pool.
func New(store *filestore.Store, pool *buffer.Pool) *Tree {
	return &Tree{store: store, pool: pool}
}

func encodeLeafRecord(buf []byte, key int64, value Value) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(key))
	copy(buf[8:8+ValueSize], value[:])
}

func decodeLeafRecord(buf []byte) (int64, Value) {
	key := int64(binary.LittleEndian.Uint64(buf[0:8]))
	var v Value
	copy(v[:], buf[8:8+ValueSize])
	return key, v
}

func encodeInternalRecord(buf []byte, key int64, child uint64) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(key))
	binary.LittleEndian.PutUint64(buf[8:16], child)
}

func decodeInternalRecord(buf []byte) (int64, uint64) {
	key := int64(binary.LittleEndian.Uint64(buf[0:8]))
	child := binary.LittleEndian.Uint64(buf[8:16])
	return key, child
}

// Find descends from the root to the owning leaf and returns the value
// stored for key (spec.md §8 "Round-trip").
func (t *Tree) Find(key int64) (Value, error) {
	var result Value
	root := t.store.ReadHeader()
	if root.RootPageNumber == page.Invalid {
		return result, ErrNotFound
	}

	leafPagenum, err := t.findLeaf(root.RootPageNumber, key)
	if err != nil {
		return result, err
	}

	h, err := t.pool.Buffering(t.store, leafPagenum)
	if err != nil {
		return result, err
	}

	var found bool
	err = h.Use(buffer.READ, func(img []byte) error {
		hdr := page.DecodeHeader(img)
		body := page.Body(img)
		for i := uint32(0); i < hdr.NumberOfKeys; i++ {
			k, v := decodeLeafRecord(body[i*leafRecordSize:])
			if k == key {
				result = v
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if !found {
		return result, ErrNotFound
	}
	return result, nil
}

// findLeaf descends from pagenum (assumed root) to the leaf that would
// contain key.
func (t *Tree) findLeaf(pagenum uint64, key int64) (uint64, error) {
	for {
		h, err := t.pool.Buffering(t.store, pagenum)
		if err != nil {
			return 0, err
		}
		var isLeaf bool
		var next uint64
		err = h.Use(buffer.READ, func(img []byte) error {
			hdr := page.DecodeHeader(img)
			isLeaf = hdr.IsLeaf
			if isLeaf {
				return nil
			}
			body := page.Body(img)
			// special field carries the leftmost child.
			next = hdr.SpecialPageNumber
			for i := uint32(0); i < hdr.NumberOfKeys; i++ {
				k, child := decodeInternalRecord(body[i*internalRecordSize:])
				if key < k {
					break
				}
				next = child
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if isLeaf {
			return pagenum, nil
		}
		pagenum = next
	}
}

// Insert adds key/value to the tree, splitting the owning leaf (and, at
// most once, creating a new two-child root) when the leaf overflows
// (spec.md §8 "Round-trip"; undo registered via pushUndo when pushUndo
// is non-nil).
func (t *Tree) Insert(key int64, value Value, pushUndo func(func())) error {
	hdr := t.store.ReadHeader()

	if hdr.RootPageNumber == page.Invalid {
		h, err := t.pool.NewPage(t.store)
		if err != nil {
			return err
		}
		leafPagenum, err := h.Pagenum()
		if err != nil {
			return err
		}
		err = h.Use(buffer.WRITE, func(img []byte) error {
			page.Init(img, true)
			ph := page.Header{ParentPageNumber: page.Invalid, IsLeaf: true, NumberOfKeys: 1, SpecialPageNumber: page.Invalid}
			ph.EncodeInto(img)
			encodeLeafRecord(page.Body(img), key, value)
			return nil
		})
		if err != nil {
			return err
		}
		if err := t.store.SetRootPageNumber(leafPagenum); err != nil {
			return err
		}
		if pushUndo != nil {
			pushUndo(func() { t.deleteQuiet(key) })
		}
		return nil
	}

	leafPagenum, err := t.findLeaf(hdr.RootPageNumber, key)
	if err != nil {
		return err
	}
	h, err := t.pool.Buffering(t.store, leafPagenum)
	if err != nil {
		return err
	}

	var needsSplit bool
	err = h.Use(buffer.WRITE, func(img []byte) error {
		ph := page.DecodeHeader(img)
		body := page.Body(img)

		idx, exists := leafSearch(body, ph.NumberOfKeys, key)
		if exists {
			return ErrDuplicateKey
		}
		if ph.NumberOfKeys >= leafCapacity {
			needsSplit = true
			return nil
		}
		// shift records [idx, n) right by one slot.
		for i := int(ph.NumberOfKeys); i > idx; i-- {
			copy(body[i*leafRecordSize:(i+1)*leafRecordSize], body[(i-1)*leafRecordSize:i*leafRecordSize])
		}
		encodeLeafRecord(body[idx*leafRecordSize:], key, value)
		ph.NumberOfKeys++
		ph.EncodeInto(img)
		return nil
	})
	if err != nil {
		return err
	}
	if !needsSplit {
		if pushUndo != nil {
			pushUndo(func() { t.deleteQuiet(key) })
		}
		return nil
	}

	if err := t.splitLeafAndInsert(leafPagenum, key, value); err != nil {
		return err
	}
	if pushUndo != nil {
		pushUndo(func() { t.deleteQuiet(key) })
	}
	return nil
}

// leafSearch returns the insertion index for key among n sorted records
// in body, and whether key already exists there.
func leafSearch(body []byte, n uint32, key int64) (int, bool) {
	idx := sort.Search(int(n), func(i int) bool {
		k, _ := decodeLeafRecord(body[i*leafRecordSize:])
		return k >= key
	})
	if idx < int(n) {
		k, _ := decodeLeafRecord(body[idx*leafRecordSize:])
		if k == key {
			return idx, true
		}
	}
	return idx, false
}

// splitLeafAndInsert splits a full leaf into two, inserts key/value into
// whichever half it belongs in, and links the new leaf as the old leaf's
// right sibling, then promotes the new leaf's first key into the parent.
func (t *Tree) splitLeafAndInsert(leafPagenum uint64, key int64, value Value) error {
	type rec struct {
		key int64
		val Value
	}
	var all []rec

	leftHandle, err := t.pool.Buffering(t.store, leafPagenum)
	if err != nil {
		return err
	}
	var parent, rightSibling uint64
	err = leftHandle.Use(buffer.READ, func(img []byte) error {
		ph := page.DecodeHeader(img)
		body := page.Body(img)
		parent = ph.ParentPageNumber
		rightSibling = ph.SpecialPageNumber
		for i := uint32(0); i < ph.NumberOfKeys; i++ {
			k, v := decodeLeafRecord(body[i*leafRecordSize:])
			all = append(all, rec{k, v})
		}
		return nil
	})
	if err != nil {
		return err
	}

	inserted := false
	merged := make([]rec, 0, len(all)+1)
	for _, r := range all {
		if !inserted && key < r.key {
			merged = append(merged, rec{key, value})
			inserted = true
		}
		merged = append(merged, r)
	}
	if !inserted {
		merged = append(merged, rec{key, value})
	}

	mid := len(merged) / 2
	leftRecs, rightRecs := merged[:mid], merged[mid:]

	rightHandle, err := t.pool.NewPage(t.store)
	if err != nil {
		return err
	}
	rightPagenum, err := rightHandle.Pagenum()
	if err != nil {
		return err
	}

	err = leftHandle.Use(buffer.WRITE, func(img []byte) error {
		ph := page.Header{ParentPageNumber: parent, IsLeaf: true, NumberOfKeys: uint32(len(leftRecs)), SpecialPageNumber: rightPagenum}
		ph.EncodeInto(img)
		body := page.Body(img)
		for i, r := range leftRecs {
			encodeLeafRecord(body[i*leafRecordSize:], r.key, r.val)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = rightHandle.Use(buffer.WRITE, func(img []byte) error {
		page.Init(img, true)
		ph := page.Header{ParentPageNumber: parent, IsLeaf: true, NumberOfKeys: uint32(len(rightRecs)), SpecialPageNumber: rightSibling}
		ph.EncodeInto(img)
		body := page.Body(img)
		for i, r := range rightRecs {
			encodeLeafRecord(body[i*leafRecordSize:], r.key, r.val)
		}
		return nil
	})
	if err != nil {
		return err
	}

	separator := rightRecs[0].key

	if parent == page.Invalid {
		return t.newRootAbove(leafPagenum, rightPagenum, separator)
	}
	return t.insertIntoParent(parent, leafPagenum, separator, rightPagenum)
}

// newRootAbove creates a fresh internal root whose leftmost child is
// left and whose single separator routes to right.
func (t *Tree) newRootAbove(left, right uint64, separator int64) error {
	rootHandle, err := t.pool.NewPage(t.store)
	if err != nil {
		return err
	}
	rootPagenum, err := rootHandle.Pagenum()
	if err != nil {
		return err
	}

	err = rootHandle.Use(buffer.WRITE, func(img []byte) error {
		ph := page.Header{ParentPageNumber: page.Invalid, IsLeaf: false, NumberOfKeys: 1, SpecialPageNumber: left}
		ph.EncodeInto(img)
		encodeInternalRecord(page.Body(img), separator, right)
		return nil
	})
	if err != nil {
		return err
	}

	if err := t.setParent(left, rootPagenum); err != nil {
		return err
	}
	if err := t.setParent(right, rootPagenum); err != nil {
		return err
	}
	return t.store.SetRootPageNumber(rootPagenum)
}

// insertIntoParent adds (separator -> rightChild) into an existing
// internal node. Internal-node overflow is not handled: this tree is
// deliberately simple per SPEC_FULL.md §1, and a full
// internal node here returns an error rather than cascading a second
// split.
func (t *Tree) insertIntoParent(parentPagenum, leftChild uint64, separator int64, rightChild uint64) error {
	h, err := t.pool.Buffering(t.store, parentPagenum)
	if err != nil {
		return err
	}
	return h.Use(buffer.WRITE, func(img []byte) error {
		ph := page.DecodeHeader(img)
		if ph.NumberOfKeys >= internalCapacity {
			return errors.New("tree: internal node overflow unsupported")
		}
		body := page.Body(img)
		idx := sort.Search(int(ph.NumberOfKeys), func(i int) bool {
			k, _ := decodeInternalRecord(body[i*internalRecordSize:])
			return k >= separator
		})
		for i := int(ph.NumberOfKeys); i > idx; i-- {
			copy(body[i*internalRecordSize:(i+1)*internalRecordSize], body[(i-1)*internalRecordSize:i*internalRecordSize])
		}
		encodeInternalRecord(body[idx*internalRecordSize:], separator, rightChild)
		ph.NumberOfKeys++
		ph.EncodeInto(img)
		return nil
	})
}

func (t *Tree) setParent(child, parent uint64) error {
	h, err := t.pool.Buffering(t.store, child)
	if err != nil {
		return err
	}
	return h.Use(buffer.WRITE, func(img []byte) error {
		ph := page.DecodeHeader(img)
		ph.ParentPageNumber = parent
		ph.EncodeInto(img)
		return nil
	})
}

// Delete removes key from its owning leaf. Underflow is not rebalanced
// (SPEC_FULL.md §1: the tree's splitting/merging is deliberately
// simple).
func (t *Tree) Delete(key int64, pushUndo func(func())) error {
	hdr := t.store.ReadHeader()
	if hdr.RootPageNumber == page.Invalid {
		return ErrNotFound
	}
	leafPagenum, err := t.findLeaf(hdr.RootPageNumber, key)
	if err != nil {
		return err
	}

	h, err := t.pool.Buffering(t.store, leafPagenum)
	if err != nil {
		return err
	}

	var removedValue Value
	var found bool
	err = h.Use(buffer.WRITE, func(img []byte) error {
		ph := page.DecodeHeader(img)
		body := page.Body(img)
		idx, exists := leafSearch(body, ph.NumberOfKeys, key)
		if !exists {
			return nil
		}
		_, removedValue = decodeLeafRecord(body[idx*leafRecordSize:])
		found = true
		for i := idx; i < int(ph.NumberOfKeys)-1; i++ {
			copy(body[i*leafRecordSize:(i+1)*leafRecordSize], body[(i+1)*leafRecordSize:(i+2)*leafRecordSize])
		}
		ph.NumberOfKeys--
		ph.EncodeInto(img)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if pushUndo != nil {
		v := removedValue
		pushUndo(func() { _ = t.Insert(key, v, nil) })
	}
	return nil
}

// deleteQuiet is the compensating action for an Insert's undo log: it
// drops the error since an undo action runs during Abort, after the
// point where a caller could still react to it.
func (t *Tree) deleteQuiet(key int64) {
	_ = t.Delete(key, nil)
}
