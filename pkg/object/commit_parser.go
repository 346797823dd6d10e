package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
)

const (
	// Fixed-length lines at the top of every commit object.
	treeLineLen   = len("tree ") + HexIDLen + 1   // "tree <40 hex>\n"
	parentLineLen = len("parent ") + HexIDLen + 1 // "parent <40 hex>\n"

	parentPrefixLen = len("parent ")
)

var (
	treePrefix      = []byte("tree ")
	parentPrefix    = []byte("parent ")
	authorPrefix    = []byte("author ")
	committerPrefix = []byte("committer ")
)

// CommitParser extracts parent ids and the author/committer timestamps from
// a commit object without inflating the whole body. The zlib state is
// reused across calls; a parser is not safe for concurrent use.
type CommitParser struct {
	zr io.ReadCloser
}

// NewCommitParser returns a parser with no inflate state allocated yet; the
// state is created lazily on the first parse and reused afterwards.
func NewCommitParser() *CommitParser {
	return &CommitParser{}
}

// reset points the shared inflater at a new deflate stream.
func (p *CommitParser) reset(compressed []byte) (io.Reader, error) {
	br := bytes.NewReader(compressed)
	if p.zr == nil {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zlib init: %v: %w", err, ErrMalformedObject)
		}
		p.zr = zr
		return zr, nil
	}
	if err := p.zr.(zlib.Resetter).Reset(br, nil); err != nil {
		return nil, fmt.Errorf("zlib reset: %v: %w", err, ErrMalformedObject)
	}
	return p.zr, nil
}

// ParseLoose parses a loose object file's full content: a zlib stream whose
// plaintext is "commit <size>\x00" followed by the commit body.
func (p *CommitParser) ParseLoose(id ObjectId, compressed []byte) (CommitMetadata, error) {
	zr, err := p.reset(compressed)
	if err != nil {
		return CommitMetadata{}, err
	}

	// The envelope header always fits inside one tree-line window. After
	// locating the NUL we have consumed treeLineLen-(nulPos+1) bytes of
	// the tree line, so reading nulPos+1 more bytes consumes it exactly.
	var buf [treeLineLen]byte
	n, err := readAvailable(zr, buf[:])
	if err != nil {
		return CommitMetadata{}, fmt.Errorf("inflate object header: %v: %w", err, ErrMalformedObject)
	}
	nulPos := bytes.IndexByte(buf[:n], 0)
	if nulPos < 0 {
		return CommitMetadata{}, fmt.Errorf("failed to find the start of the commit data: %w", ErrMalformedObject)
	}
	if !partialPrefixMatch(buf[nulPos+1:n], treePrefix) {
		return CommitMetadata{}, fmt.Errorf("commit does not start with a tree line: %w", ErrMalformedObject)
	}
	if _, err := readAvailable(zr, buf[:nulPos+1]); err != nil {
		return CommitMetadata{}, fmt.Errorf("inflate end of tree line: %v: %w", err, ErrMalformedObject)
	}

	return p.parseAfterTree(id, zr)
}

// ParsePacked parses an undeltified commit entry in a pack file: a zlib
// stream whose plaintext starts directly at the tree line. compressed must
// extend to the end of the mapped pack; the declared object size is not
// trusted (observed packs truncate commit content before the committer
// line), so the inflater is handed the full remaining range.
func (p *CommitParser) ParsePacked(id ObjectId, compressed []byte) (CommitMetadata, error) {
	zr, err := p.reset(compressed)
	if err != nil {
		return CommitMetadata{}, err
	}

	var buf [treeLineLen]byte
	n, err := readAvailable(zr, buf[:])
	if err != nil {
		return CommitMetadata{}, fmt.Errorf("inflate tree line: %v: %w", err, ErrMalformedObject)
	}
	if !partialPrefixMatch(buf[:n], treePrefix) {
		return CommitMetadata{}, fmt.Errorf("commit does not start with a tree line: %w", ErrMalformedObject)
	}

	return p.parseAfterTree(id, zr)
}

// parseAfterTree runs the shared scan: zero or more parent lines, then the
// author and committer lines.
func (p *CommitParser) parseAfterTree(id ObjectId, zr io.Reader) (CommitMetadata, error) {
	var buf [parentLineLen]byte
	var parents []ObjectId

	// Each window read consumes exactly one parent line; the first window
	// that is not a parent line is the start of the author line.
	filled := 0
	for {
		n, err := readAvailable(zr, buf[:])
		if err != nil {
			return CommitMetadata{}, fmt.Errorf("inflate parent line: %v: %w", err, ErrMalformedObject)
		}
		filled = n
		if !bytes.HasPrefix(buf[:filled], parentPrefix) {
			break
		}
		if filled < parentPrefixLen+HexIDLen {
			return CommitMetadata{}, fmt.Errorf("truncated parent line: %w", ErrMalformedObject)
		}

		var parent ObjectId
		if _, err := hex.Decode(parent[:], buf[parentPrefixLen:parentPrefixLen+HexIDLen]); err != nil {
			return CommitMetadata{}, fmt.Errorf("parent line hex: %v: %w", err, ErrMalformedObject)
		}
		parents = append(parents, parent)
	}

	if !partialPrefixMatch(buf[:filled], authorPrefix) {
		return CommitMetadata{}, fmt.Errorf("author line missing: %w", ErrMalformedObject)
	}
	authorTS, nextStart, nextFilled, err := p.scanTimestampLine(zr, buf[:], 0, filled)
	if err != nil {
		return CommitMetadata{}, fmt.Errorf("author timestamp: %w", err)
	}

	if !partialPrefixMatch(buf[nextStart:nextFilled], committerPrefix) {
		return CommitMetadata{}, fmt.Errorf("committer line missing: %w", ErrMalformedObject)
	}
	committerTS, _, _, err := p.scanTimestampLine(zr, buf[:], nextStart, nextFilled)
	if err != nil {
		return CommitMetadata{}, fmt.Errorf("committer timestamp: %w", err)
	}

	return CommitMetadata{
		ID:                 id,
		Parents:            parents,
		AuthorTimestamp:    authorTS,
		CommitterTimestamp: committerTS,
	}, nil
}

// scanTimestampLine finds the end of the line beginning at buf[start] and
// extracts its trailing timestamp. The author and committer lines have no
// bounded length (name and email are free-form), so instead of buffering
// the whole line we ping-pong between the two halves of the fixed window
// until a newline shows up in the half just written. We may lose the head
// of the line, but the trailing "<epoch> ±HHMM" is always inside the last
// window's worth of bytes. Halves are reordered afterwards so the tail of
// the line is contiguous.
//
// Returns the timestamp, the offset just past the newline, and the number
// of valid bytes in buf.
func (p *CommitParser) scanTimestampLine(zr io.Reader, buf []byte, start, filled int) (time.Time, int, int, error) {
	if idx := bytes.IndexByte(buf[start:filled], '\n'); idx >= 0 {
		ts, err := extractTimestamp(buf[start : start+idx])
		return ts, start + idx + 1, filled, err
	}

	half := len(buf) / 2
	halfIdx := 0
	first := true
	for {
		lo := halfIdx * half
		n, err := readAvailable(zr, buf[lo:lo+half])
		if err != nil {
			return time.Time{}, 0, 0, fmt.Errorf("inflate partial line: %v: %w", err, ErrMalformedObject)
		}

		if n == 0 {
			// Input exhausted before any newline. On the first pass the
			// window is untouched and the line is simply unterminated;
			// otherwise the freshest bytes are in the previously written
			// half.
			if first {
				ts, err := extractTimestamp(buf[start:filled])
				return ts, filled, filled, err
			}
			if halfIdx == 1 {
				swapWindowHalves(buf)
			}
			ts, err := extractTimestamp(buf)
			return ts, len(buf), len(buf), err
		}

		if idx := bytes.IndexByte(buf[lo:lo+n], '\n'); idx >= 0 {
			if halfIdx == 0 {
				swapWindowHalves(buf)
			}
			end := half + n
			ts, err := extractTimestamp(buf[:half+idx])
			return ts, half + idx + 1, end, err
		}

		if n < half {
			// Short read means the stream ended mid-line.
			if halfIdx == 0 {
				swapWindowHalves(buf)
			}
			end := half + n
			ts, err := extractTimestamp(buf[:end])
			return ts, end, end, err
		}

		halfIdx = (halfIdx + 1) % 2
		first = false
	}
}

// ParseCommitText extracts metadata from an already-plaintext commit body,
// as produced by delta replay or by a full git backend.
func ParseCommitText(id ObjectId, body []byte) (CommitMetadata, error) {
	if !bytes.HasPrefix(body, treePrefix) {
		return CommitMetadata{}, fmt.Errorf("commit does not start with a tree line: %w", ErrMalformedObject)
	}

	var parents []ObjectId
	var authorTS, committerTS time.Time
	var haveAuthor, haveCommitter bool

	for _, line := range bytes.Split(body, []byte{'\n'}) {
		if len(line) == 0 {
			break
		}
		switch {
		case bytes.HasPrefix(line, parentPrefix):
			if len(line) < parentPrefixLen+HexIDLen {
				return CommitMetadata{}, fmt.Errorf("truncated parent line: %w", ErrMalformedObject)
			}
			var parent ObjectId
			if _, err := hex.Decode(parent[:], line[parentPrefixLen:parentPrefixLen+HexIDLen]); err != nil {
				return CommitMetadata{}, fmt.Errorf("parent line hex: %v: %w", err, ErrMalformedObject)
			}
			parents = append(parents, parent)
		case bytes.HasPrefix(line, authorPrefix):
			ts, err := extractTimestamp(line)
			if err != nil {
				return CommitMetadata{}, fmt.Errorf("author timestamp: %w", err)
			}
			authorTS, haveAuthor = ts, true
		case bytes.HasPrefix(line, committerPrefix):
			ts, err := extractTimestamp(line)
			if err != nil {
				return CommitMetadata{}, fmt.Errorf("committer timestamp: %w", err)
			}
			committerTS, haveCommitter = ts, true
		}
	}

	if !haveAuthor || !haveCommitter {
		return CommitMetadata{}, fmt.Errorf("author or committer line missing: %w", ErrMalformedObject)
	}

	return CommitMetadata{
		ID:                 id,
		Parents:            parents,
		AuthorTimestamp:    authorTS,
		CommitterTimestamp: committerTS,
	}, nil
}

// extractTimestamp parses the "<epoch> ±HHMM" tail of an author/committer
// line. The timestamp starts after the second space counting from the end;
// everything before it (name, email) is free-form.
func extractTimestamp(line []byte) (time.Time, error) {
	spaces := 0
	tsStart := -1
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] != ' ' {
			continue
		}
		spaces++
		if spaces == 2 {
			tsStart = i + 1
			break
		}
	}
	if tsStart < 0 {
		return time.Time{}, fmt.Errorf("could not find start of timestamp in %q: %w", line, ErrMalformedObject)
	}

	epochStr, zoneStr, _ := strings.Cut(string(line[tsStart:]), " ")
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch %q: %v: %w", epochStr, err, ErrMalformedObject)
	}

	offset, err := parseZoneOffset(zoneStr)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(epoch, 0).In(time.FixedZone(zoneStr, offset)), nil
}

// parseZoneOffset converts "±HHMM" to seconds east of UTC.
func parseZoneOffset(s string) (int, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("timezone %q: %w", s, ErrMalformedObject)
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, fmt.Errorf("timezone %q: %v: %w", s, err, ErrMalformedObject)
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, fmt.Errorf("timezone %q: %v: %w", s, err, ErrMalformedObject)
	}

	offset := hh*3600 + mm*60
	if s[0] == '-' {
		offset = -offset
	}
	return offset, nil
}

// readAvailable fills buf from r, stopping early only at end of stream.
// It returns the number of bytes read; end of stream is not an error.
func readAvailable(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// partialPrefixMatch reports whether data matches as much of prefix as it
// has room for. Used where the window may have been cut short by end of
// stream.
func partialPrefixMatch(data, prefix []byte) bool {
	n := min(len(data), len(prefix))
	return bytes.Equal(data[:n], prefix[:n])
}

// swapWindowHalves exchanges the two halves of an even-length window.
func swapWindowHalves(buf []byte) {
	half := len(buf) / 2
	for i := 0; i < half; i++ {
		buf[i], buf[i+half] = buf[i+half], buf[i]
	}
}
