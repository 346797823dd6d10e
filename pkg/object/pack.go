package object

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// PackObjectType is the 3-bit object type tag in a pack entry header.
// Values match the canonical Git storage format.
type PackObjectType uint8

const (
	PackCommit   PackObjectType = 1
	PackTree     PackObjectType = 2
	PackBlob     PackObjectType = 3
	PackTag      PackObjectType = 4
	PackOfsDelta PackObjectType = 6
	PackRefDelta PackObjectType = 7
)

func (t PackObjectType) String() string {
	switch t {
	case PackCommit:
		return "commit"
	case PackTree:
		return "tree"
	case PackBlob:
		return "blob"
	case PackTag:
		return "tag"
	case PackOfsDelta:
		return "offset delta"
	case PackRefDelta:
		return "ref delta"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// decodePackObjectHeader decodes the variable-length entry header at the
// start of a pack object: type in bits 4-6 of byte 0, size in the low 4
// bits plus 7 bits per continuation byte. Returns the type, the declared
// size, and the number of header bytes consumed.
//
// The declared size is not reliable for whole commit objects (see
// CommitParser.ParsePacked); it only matters for delta bookkeeping.
func decodePackObjectHeader(data []byte) (PackObjectType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("pack entry header truncated: %w", ErrMalformedObject)
	}

	b := data[0]
	objType := PackObjectType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, fmt.Errorf("pack entry header truncated: %w", ErrMalformedObject)
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}

	return objType, size, consumed, nil
}

// Pack owns one memory-mapped pack file and its sibling index, both mapped
// read-only for the lifetime of the Pack. It resolves commit ids to
// metadata, replaying offset-delta chains when needed.
type Pack struct {
	path   string
	file   *mappedFile
	idx    *PackIndex
	parser *CommitParser
}

// OpenPack maps packPath and the sibling .idx file. Either file failing to
// open or validate fails the whole Pack.
func OpenPack(packPath string) (*Pack, error) {
	idxPath := strings.TrimSuffix(packPath, ".pack") + ".idx"
	idx, err := OpenPackIndex(idxPath)
	if err != nil {
		return nil, fmt.Errorf("construct index: %w", err)
	}

	file, err := openMapped(packPath)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("construct pack: %w", err)
	}

	return &Pack{
		path:   packPath,
		file:   file,
		idx:    idx,
		parser: NewCommitParser(),
	}, nil
}

// Path returns the pack file path this Pack was opened from.
func (p *Pack) Path() string {
	return p.path
}

// Close unmaps both files.
func (p *Pack) Close() error {
	idxErr := p.idx.Close()
	if err := p.file.Close(); err != nil {
		return err
	}
	return idxErr
}

// CommitMetadata resolves id through the index and extracts its metadata.
// ok=false means the pack simply does not contain the object.
func (p *Pack) CommitMetadata(id ObjectId) (CommitMetadata, bool, error) {
	offset, ok, err := p.idx.OffsetFor(id)
	if err != nil {
		return CommitMetadata{}, false, fmt.Errorf("lookup object %s: %w", id, err)
	}
	if !ok {
		return CommitMetadata{}, false, nil
	}

	meta, err := p.commitMetadataAt(offset, id)
	if err != nil {
		return CommitMetadata{}, false, fmt.Errorf("read metadata for found commit %s: %w", id, err)
	}
	return meta, true, nil
}

func (p *Pack) commitMetadataAt(offset int64, id ObjectId) (CommitMetadata, error) {
	data := p.file.Bytes()
	if offset < 0 || offset >= int64(len(data)) {
		return CommitMetadata{}, fmt.Errorf("object offset %d outside pack: %w", offset, ErrMalformedObject)
	}

	objType, _, headerLen, err := decodePackObjectHeader(data[offset:])
	if err != nil {
		return CommitMetadata{}, err
	}

	switch objType {
	case PackCommit:
		return p.parser.ParsePacked(id, data[offset+int64(headerLen):])
	case PackOfsDelta:
		body, err := p.resolveDeltaChain(offset+int64(headerLen), offset)
		if err != nil {
			return CommitMetadata{}, err
		}
		return ParseCommitText(id, body)
	case PackRefDelta:
		return CommitMetadata{}, fmt.Errorf("ref-delta parsing unimplemented: %w", ErrUnsupportedFormat)
	default:
		return CommitMetadata{}, fmt.Errorf("unimplemented parser for %s object: %w", objType, ErrUnsupportedFormat)
	}
}

// resolveDeltaChain walks the offset-delta chain backward from the entry
// whose back-distance varint starts at distOffset, then replays the
// collected patches forward over the fully inflated base.
func (p *Pack) resolveDeltaChain(distOffset, entryOffset int64) ([]byte, error) {
	data := p.file.Bytes()

	distance, distLen, err := decodeOfsDeltaDistance(data[distOffset:])
	if err != nil {
		return nil, err
	}

	// Patch streams are collected newest-first and replayed in reverse.
	patchOffsets := []int64{distOffset + int64(distLen)}
	cur := entryOffset - int64(distance)

	var base []byte
	for {
		if cur < 0 || cur >= int64(len(data)) {
			return nil, fmt.Errorf("delta base offset %d outside pack: %w", cur, ErrMalformedObject)
		}
		objType, _, headerLen, err := decodePackObjectHeader(data[cur:])
		if err != nil {
			return nil, err
		}

		switch objType {
		case PackCommit:
			// There is no guarantee a patch only touches the header, so
			// the base has to be inflated completely before replay.
			base, err = p.parser.inflateAll(data[cur+int64(headerLen):])
			if err != nil {
				return nil, fmt.Errorf("decompress base of pack patch: %w", err)
			}
		case PackOfsDelta:
			nestedStart := cur + int64(headerLen)
			nestedDistance, nestedLen, err := decodeOfsDeltaDistance(data[nestedStart:])
			if err != nil {
				return nil, err
			}
			patchOffsets = append(patchOffsets, nestedStart+int64(nestedLen))
			cur -= int64(nestedDistance)
			continue
		case PackRefDelta:
			return nil, fmt.Errorf("ref-delta base parsing unimplemented: %w", ErrUnsupportedFormat)
		default:
			return nil, fmt.Errorf("delta chain base is a %s, not a commit: %w", objType, ErrMalformedObject)
		}
		break
	}

	for i := len(patchOffsets) - 1; i >= 0; i-- {
		patch, err := p.parser.inflateAll(data[patchOffsets[i]:])
		if err != nil {
			return nil, fmt.Errorf("decompress pack patch: %w", err)
		}
		base, err = applyDelta(base, patch)
		if err != nil {
			return nil, err
		}
	}

	if !bytes.HasPrefix(base, treePrefix) {
		return nil, fmt.Errorf("delta replay did not produce a commit: %w", ErrMalformedObject)
	}
	return base, nil
}

// inflateAll decompresses a full zlib stream starting at the head of
// compressed. The stream's own end marker terminates the read, so the
// slice may extend past it into unrelated pack bytes.
func (p *CommitParser) inflateAll(compressed []byte) ([]byte, error) {
	zr, err := p.reset(compressed)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %v: %w", err, ErrMalformedObject)
	}
	return out, nil
}
