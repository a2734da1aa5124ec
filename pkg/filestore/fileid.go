package filestore

// ID is a stable identity for an open file, used by the buffer pool to key
// frames by (file-id, pagenum). Collisions across distinct basenames are
// possible but rare; the core's invariants only need the id to be stable
// within a single open session (spec.md §9, "file-id by basename hash").
type ID uint64

// ComputeID hashes a path's basename the way
// original_source/project3/src/disk_manager.c's create_filenum does: a
// djb2-style rolling hash over the bytes, reset to zero whenever a path
// separator is seen, so only the basename contributes to the final value.
func ComputeID(path string) ID {
	var hash uint64
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' || c == '\\' {
			hash = 0
			continue
		}
		hash = uint64(c) + (hash << 6) + (hash << 16) - hash
	}
	return ID(hash)
}
