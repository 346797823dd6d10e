package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	packIndexVersion    = 2
	packIndexHeaderSize = 8
	packIndexFanoutSize = 256 * 4
	packIndexEntrySize  = IDLen
	packIndexCRCSize    = 4
	packIndexOffsetSize = 4

	packIndexFanoutStart = packIndexHeaderSize
	packIndexNamesStart  = packIndexFanoutStart + packIndexFanoutSize

	// High bit of a 4-byte offset redirects into the 64-bit offset
	// extension table, which this engine does not read.
	packIndexLargeOffsetBit = uint32(1 << 31)
)

var packIndexMagic = [4]byte{0xff, 't', 'O', 'c'}

// PackIndex is a read-only view of a Git idx v2 file. Lookups binary-search
// the mapped hash table directly; nothing is decoded up front, so opening
// an index is O(1) regardless of pack size.
type PackIndex struct {
	file *mappedFile
}

// OpenPackIndex maps an idx file and validates its header. v1 indexes (no
// magic) and unknown versions fail with ErrUnsupportedFormat.
func OpenPackIndex(path string) (*PackIndex, error) {
	file, err := openMapped(path)
	if err != nil {
		return nil, err
	}

	data := file.Bytes()
	if len(data) < packIndexNamesStart {
		_ = file.Close()
		return nil, fmt.Errorf("pack index %s: too short (%d bytes): %w", path, len(data), ErrMalformedObject)
	}
	if !bytes.Equal(data[:4], packIndexMagic[:]) {
		_ = file.Close()
		return nil, fmt.Errorf("pack index %s: unknown header, may be unimplemented v1 index: %w", path, ErrUnsupportedFormat)
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != packIndexVersion {
		_ = file.Close()
		return nil, fmt.Errorf("pack index %s: unsupported version %d: %w", path, version, ErrUnsupportedFormat)
	}

	return &PackIndex{file: file}, nil
}

// Close releases the underlying mapping.
func (idx *PackIndex) Close() error {
	return idx.file.Close()
}

// NumObjects returns the total object count recorded in the fanout table.
func (idx *PackIndex) NumObjects() int {
	return int(idx.fanout(255))
}

// OffsetFor returns the pack byte offset for id, or ok=false if the index
// does not contain it. An offset that redirects into the 64-bit extension
// table fails with ErrUnsupportedFormat.
func (idx *PackIndex) OffsetFor(id ObjectId) (offset int64, ok bool, err error) {
	entryIdx, found := idx.searchObjectIndex(id)
	if !found {
		return 0, false, nil
	}

	n := idx.NumObjects()
	offsetTableStart := packIndexNamesStart + n*packIndexEntrySize + n*packIndexCRCSize
	pos := offsetTableStart + entryIdx*packIndexOffsetSize

	data := idx.file.Bytes()
	if pos+packIndexOffsetSize > len(data) {
		return 0, false, fmt.Errorf("pack index: offset table truncated: %w", ErrMalformedObject)
	}

	raw := binary.BigEndian.Uint32(data[pos:])
	if raw&packIndexLargeOffsetBit != 0 {
		return 0, false, fmt.Errorf("pack index: 64-bit offset table lookup unimplemented: %w", ErrUnsupportedFormat)
	}
	return int64(raw), true, nil
}

// fanout reads the cumulative object count for leading byte b.
func (idx *PackIndex) fanout(b byte) uint32 {
	start := packIndexFanoutStart + int(b)*4
	return binary.BigEndian.Uint32(idx.file.Bytes()[start:])
}

// searchObjectIndex binary-searches the sorted hash table, restricted to
// the fanout bucket of the id's first byte.
func (idx *PackIndex) searchObjectIndex(id ObjectId) (int, bool) {
	data := idx.file.Bytes()

	lo := 0
	if id[0] > 0 {
		lo = int(idx.fanout(id[0] - 1))
	}
	hi := int(idx.fanout(id[0]))

	for lo < hi {
		mid := lo + (hi-lo)/2
		entryStart := packIndexNamesStart + mid*packIndexEntrySize
		if entryStart+packIndexEntrySize > len(data) {
			return 0, false
		}

		switch bytes.Compare(data[entryStart:entryStart+packIndexEntrySize], id[:]) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid, true
		}
	}
	return 0, false
}
