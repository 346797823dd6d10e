package repo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/sphaerophoria/spit/pkg/object"
)

func tid(b byte) object.ObjectId {
	var id object.ObjectId
	for i := range id {
		id[i] = b
	}
	return id
}

type fixtureCommit struct {
	id      object.ObjectId
	parents []object.ObjectId
	epoch   int64
}

func (c fixtureCommit) body() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tid(0xee))
	for _, p := range c.parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author Dev <dev@example.com> %d +0000\n", c.epoch)
	fmt.Fprintf(&buf, "committer Dev <dev@example.com> %d +0000\n", c.epoch)
	buf.WriteString("\ntest commit\n")
	return buf.Bytes()
}

func newGitDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "objects", "pack"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return dir
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

func writeLoose(t *testing.T, gitDir string, c fixtureCommit) {
	t.Helper()
	body := c.body()
	var raw bytes.Buffer
	fmt.Fprintf(&raw, "commit %d", len(body))
	raw.WriteByte(0)
	raw.Write(body)

	hexId := c.id.String()
	objDir := filepath.Join(gitDir, "objects", hexId[:2])
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(objDir, hexId[2:]), deflate(t, raw.Bytes()), 0o644); err != nil {
		t.Fatalf("write loose: %v", err)
	}
}

// writePack stores commits undeltified in objects/pack/<name>.pack with a
// matching idx v2 file. Checksums are zeroed; the read path never checks
// them.
func writePack(t *testing.T, gitDir, name string, commits []fixtureCommit) {
	t.Helper()

	var pack bytes.Buffer
	pack.WriteString("PACK")
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], 2)
	pack.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(len(commits)))
	pack.Write(word[:])

	type entry struct {
		id     object.ObjectId
		offset uint32
	}
	entries := make([]entry, 0, len(commits))
	for _, c := range commits {
		body := c.body()
		entries = append(entries, entry{c.id, uint32(pack.Len())})

		size := len(body)
		hdr := []byte{1<<4 | byte(size&0x0f)} // type commit
		for size >>= 4; size > 0; size >>= 7 {
			hdr[len(hdr)-1] |= 0x80
			hdr = append(hdr, byte(size&0x7f))
		}
		pack.Write(hdr)
		pack.Write(deflate(t, body))
	}
	pack.Write(make([]byte, object.IDLen))

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].id.Compare(entries[j].id) < 0
	})

	var idx bytes.Buffer
	idx.Write([]byte{0xff, 't', 'O', 'c'})
	binary.BigEndian.PutUint32(word[:], 2)
	idx.Write(word[:])
	count := 0
	for b := 0; b < 256; b++ {
		for count < len(entries) && entries[count].id[0] == byte(b) {
			count++
		}
		binary.BigEndian.PutUint32(word[:], uint32(count))
		idx.Write(word[:])
	}
	for _, e := range entries {
		idx.Write(e.id[:])
	}
	idx.Write(make([]byte, len(entries)*4)) // CRCs
	for _, e := range entries {
		binary.BigEndian.PutUint32(word[:], e.offset)
		idx.Write(word[:])
	}
	idx.Write(make([]byte, 2*object.IDLen))

	packDir := filepath.Join(gitDir, "objects", "pack")
	if err := os.WriteFile(filepath.Join(packDir, name+".pack"), pack.Bytes(), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	if err := os.WriteFile(filepath.Join(packDir, name+".idx"), idx.Bytes(), 0o644); err != nil {
		t.Fatalf("write idx: %v", err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestRepo(t *testing.T, gitDir string, opts ...Option) *Repo {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r, err := Open(gitDir, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestOpenRejectsNonRepo(t *testing.T) {
	if _, err := Open(t.TempDir()); !errors.Is(err, object.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestOpenFindsDotGit(t *testing.T) {
	worktree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(worktree, ".git", "objects", "pack"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r := openTestRepo(t, worktree)
	if r.GitDir() != filepath.Join(worktree, ".git") {
		t.Fatalf("GitDir = %s", r.GitDir())
	}
}

func TestOpenFollowsGitDirPointer(t *testing.T) {
	worktree := t.TempDir()
	real := filepath.Join(worktree, "actual-git-dir")
	if err := os.MkdirAll(filepath.Join(real, "objects", "pack"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(worktree, ".git"), []byte("gitdir: actual-git-dir\n"), 0o644); err != nil {
		t.Fatalf("write pointer: %v", err)
	}
	r := openTestRepo(t, worktree)
	if r.GitDir() != real {
		t.Fatalf("GitDir = %s, want %s", r.GitDir(), real)
	}
}

func TestMetadataFromLoose(t *testing.T) {
	gitDir := newGitDir(t)
	c := fixtureCommit{id: tid(0x01), parents: []object.ObjectId{tid(0x02)}, epoch: 100}
	writeLoose(t, gitDir, c)

	r := openTestRepo(t, gitDir)
	meta, err := r.Metadata(context.Background(), c.id)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ID != c.id || len(meta.Parents) != 1 || meta.Parents[0] != c.parents[0] {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.CommitterTimestamp.Unix() != c.epoch {
		t.Fatalf("epoch = %d", meta.CommitterTimestamp.Unix())
	}
}

func TestMetadataFromPack(t *testing.T) {
	gitDir := newGitDir(t)
	c := fixtureCommit{id: tid(0x03), epoch: 100}
	writePack(t, gitDir, "pack-a", []fixtureCommit{c})

	r := openTestRepo(t, gitDir)
	meta, err := r.Metadata(context.Background(), c.id)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ID != c.id {
		t.Fatalf("id = %s", meta.ID)
	}
}

func TestMetadataCached(t *testing.T) {
	gitDir := newGitDir(t)
	c := fixtureCommit{id: tid(0x04), epoch: 100}
	writeLoose(t, gitDir, c)

	r := openTestRepo(t, gitDir)
	ctx := context.Background()
	if _, err := r.Metadata(ctx, c.id); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	// Deleting the backing file proves the second hit is from cache.
	hexId := c.id.String()
	if err := os.Remove(filepath.Join(gitDir, "objects", hexId[:2], hexId[2:])); err != nil {
		t.Fatalf("remove loose: %v", err)
	}
	if _, err := r.Metadata(ctx, c.id); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if r.NumLoaded() != 1 {
		t.Fatalf("NumLoaded = %d, want 1", r.NumLoaded())
	}
}

func TestMetadataNotFound(t *testing.T) {
	r := openTestRepo(t, newGitDir(t))
	if _, err := r.Metadata(context.Background(), tid(0x05)); !errors.Is(err, object.ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestMetadataPicksUpNewPacks(t *testing.T) {
	gitDir := newGitDir(t)
	r := openTestRepo(t, gitDir)

	// Pack lands after the repo was opened, as a concurrent fetch would do.
	c := fixtureCommit{id: tid(0x06), epoch: 100}
	writePack(t, gitDir, "pack-late", []fixtureCommit{c})

	if _, err := r.Metadata(context.Background(), c.id); err != nil {
		t.Fatalf("Metadata after rescan: %v", err)
	}
}

func TestMetadataRescansForEachLatePack(t *testing.T) {
	gitDir := newGitDir(t)
	r := openTestRepo(t, gitDir)
	ctx := context.Background()

	// Fetches can land packs at any point in the repo's lifetime; each
	// lookup that misses the resident set must rescan, not just the first.
	first := fixtureCommit{id: tid(0x0a), epoch: 100}
	writePack(t, gitDir, "pack-one", []fixtureCommit{first})
	if _, err := r.Metadata(ctx, first.id); err != nil {
		t.Fatalf("lookup after first pack: %v", err)
	}

	second := fixtureCommit{id: tid(0x0b), epoch: 200}
	writePack(t, gitDir, "pack-two", []fixtureCommit{second})
	if _, err := r.Metadata(ctx, second.id); err != nil {
		t.Fatalf("lookup after second pack: %v", err)
	}
}

func TestCorruptLooseFallsThroughToPack(t *testing.T) {
	gitDir := newGitDir(t)
	c := fixtureCommit{id: tid(0x07), epoch: 100}
	writePack(t, gitDir, "pack-a", []fixtureCommit{c})

	// A loose file for the same id that is not even zlib.
	hexId := c.id.String()
	objDir := filepath.Join(gitDir, "objects", hexId[:2])
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(objDir, hexId[2:]), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write loose: %v", err)
	}

	r := openTestRepo(t, gitDir)
	meta, err := r.Metadata(context.Background(), c.id)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ID != c.id {
		t.Fatalf("id = %s", meta.ID)
	}
}

type mapFallback map[object.ObjectId]object.CommitMetadata

func (m mapFallback) Metadata(_ context.Context, id object.ObjectId) (object.CommitMetadata, error) {
	meta, ok := m[id]
	if !ok {
		return object.CommitMetadata{}, object.ErrObjectNotFound
	}
	return meta, nil
}

func TestMetadataFallback(t *testing.T) {
	want := object.CommitMetadata{ID: tid(0x08)}
	r := openTestRepo(t, newGitDir(t), WithFallback(mapFallback{want.ID: want}))

	meta, err := r.Metadata(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ID != want.ID {
		t.Fatalf("id = %s", meta.ID)
	}

	if _, err := r.Metadata(context.Background(), tid(0x09)); !errors.Is(err, object.ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}
