package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// testId returns an id with every byte set to b. Distinct leading bytes
// land in distinct fanout buckets.
func testId(b byte) ObjectId {
	var id ObjectId
	for i := range id {
		id[i] = b
	}
	return id
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate close: %v", err)
	}
	return buf.Bytes()
}

// commitText builds a commit body in the canonical on-disk layout.
func commitText(tree ObjectId, parents []ObjectId, author, committer string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", author)
	fmt.Fprintf(&buf, "committer %s\n", committer)
	buf.WriteString("\ntest commit\n")
	return buf.Bytes()
}

// looseCommit wraps body in the loose object envelope and deflates it.
func looseCommit(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "commit %d", len(body))
	buf.WriteByte(0)
	buf.Write(body)
	return deflate(t, buf.Bytes())
}

func encodePackObjectHeader(objType PackObjectType, size int) []byte {
	b := byte(objType)<<4 | byte(size&0x0f)
	size >>= 4
	out := []byte{b}
	for size > 0 {
		out[len(out)-1] |= 0x80
		out = append(out, byte(size&0x7f))
		size >>= 7
	}
	return out
}

func encodeOfsDistance(d uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(d & 0x7f)
	for d >>= 7; d > 0; d >>= 7 {
		d--
		i--
		tmp[i] = 0x80 | byte(d&0x7f)
	}
	return tmp[i:]
}

func deltaVarint(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

// deltaCopyOp encodes a copy opcode for offsets and sizes that fit in two
// bytes each, which is all the fixtures need.
func deltaCopyOp(offset, size int) []byte {
	cmd := byte(0x80)
	var tail []byte
	for i := 0; i < 2; i++ {
		if b := byte(offset >> (i * 8)); b != 0 {
			cmd |= 1 << i
			tail = append(tail, b)
		}
	}
	for i := 0; i < 2; i++ {
		if b := byte(size >> (i * 8)); b != 0 {
			cmd |= 1 << (i + 4)
			tail = append(tail, b)
		}
	}
	return append([]byte{cmd}, tail...)
}

func deltaInsertOp(data []byte) []byte {
	if len(data) > 0x7f {
		panic("insert fixture too long")
	}
	return append([]byte{byte(len(data))}, data...)
}

// rewriteDelta builds a patch that copies the shared tree line from base and
// inserts the rest of result literally.
func rewriteDelta(base, result []byte) []byte {
	var patch []byte
	patch = append(patch, deltaVarint(uint64(len(base)))...)
	patch = append(patch, deltaVarint(uint64(len(result)))...)
	patch = append(patch, deltaCopyOp(0, treeLineLen)...)
	rest := result[treeLineLen:]
	for len(rest) > 0 {
		n := min(len(rest), 0x7f)
		patch = append(patch, deltaInsertOp(rest[:n])...)
		rest = rest[n:]
	}
	return patch
}

// packBuilder accumulates pack entries and writes a matching idx v2 file.
type packBuilder struct {
	buf     bytes.Buffer
	entries []packIndexFixtureEntry
}

type packIndexFixtureEntry struct {
	id     ObjectId
	offset uint32
}

func newPackBuilder() *packBuilder {
	pb := &packBuilder{}
	pb.buf.WriteString("PACK")
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], 2)
	pb.buf.Write(hdr[:]) // version + count, count fixed up in write
	return pb
}

func (pb *packBuilder) addCommit(t *testing.T, id ObjectId, body []byte) uint32 {
	t.Helper()
	offset := uint32(pb.buf.Len())
	pb.entries = append(pb.entries, packIndexFixtureEntry{id, offset})
	pb.buf.Write(encodePackObjectHeader(PackCommit, len(body)))
	pb.buf.Write(deflate(t, body))
	return offset
}

func (pb *packBuilder) addOfsDelta(t *testing.T, id ObjectId, baseOffset uint32, patch []byte) uint32 {
	t.Helper()
	offset := uint32(pb.buf.Len())
	pb.entries = append(pb.entries, packIndexFixtureEntry{id, offset})
	pb.buf.Write(encodePackObjectHeader(PackOfsDelta, len(patch)))
	pb.buf.Write(encodeOfsDistance(uint64(offset - baseOffset)))
	pb.buf.Write(deflate(t, patch))
	return offset
}

func (pb *packBuilder) addRaw(t *testing.T, id ObjectId, objType PackObjectType, payload []byte) uint32 {
	t.Helper()
	offset := uint32(pb.buf.Len())
	pb.entries = append(pb.entries, packIndexFixtureEntry{id, offset})
	pb.buf.Write(encodePackObjectHeader(objType, len(payload)))
	pb.buf.Write(deflate(t, payload))
	return offset
}

// write emits pack-test.pack and pack-test.idx into dir and returns the pack
// path. Trailing checksums are zeroed; nothing in the read path verifies
// them.
func (pb *packBuilder) write(t *testing.T, dir string) string {
	t.Helper()

	packData := append([]byte(nil), pb.buf.Bytes()...)
	binary.BigEndian.PutUint32(packData[8:], uint32(len(pb.entries)))
	packData = append(packData, make([]byte, IDLen)...)

	packPath := filepath.Join(dir, "pack-test.pack")
	if err := os.WriteFile(packPath, packData, 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	idxPath := filepath.Join(dir, "pack-test.idx")
	if err := os.WriteFile(idxPath, buildIndexBytes(pb.entries), 0o644); err != nil {
		t.Fatalf("write idx: %v", err)
	}
	return packPath
}

func buildIndexBytes(entries []packIndexFixtureEntry) []byte {
	sorted := append([]packIndexFixtureEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].id[:], sorted[j].id[:]) < 0
	})

	var buf bytes.Buffer
	buf.Write(packIndexMagic[:])
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], packIndexVersion)
	buf.Write(word[:])

	count := 0
	for b := 0; b < 256; b++ {
		for count < len(sorted) && sorted[count].id[0] == byte(b) {
			count++
		}
		binary.BigEndian.PutUint32(word[:], uint32(count))
		buf.Write(word[:])
	}

	for _, e := range sorted {
		buf.Write(e.id[:])
	}
	buf.Write(make([]byte, len(sorted)*packIndexCRCSize))
	for _, e := range sorted {
		binary.BigEndian.PutUint32(word[:], e.offset)
		buf.Write(word[:])
	}
	buf.Write(make([]byte, 2*IDLen)) // pack + index checksums
	return buf.Bytes()
}

func writeIndexFile(t *testing.T, entries []packIndexFixtureEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack-fixture.idx")
	if err := os.WriteFile(path, buildIndexBytes(entries), 0o644); err != nil {
		t.Fatalf("write idx: %v", err)
	}
	return path
}
