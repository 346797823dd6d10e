package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// IDLen is the byte length of a SHA-1 object id.
	IDLen = 20
	// HexIDLen is the length of an id's hex form.
	HexIDLen = IDLen * 2
)

// ObjectId is a raw 20-byte object id. The zero value is all zeroes, which
// Git never produces for a real object.
type ObjectId [IDLen]byte

// ParseObjectId decodes a 40-character hex string.
func ParseObjectId(s string) (ObjectId, error) {
	var id ObjectId
	if len(s) != HexIDLen {
		return id, fmt.Errorf("object id %q: want %d hex chars, got %d: %w", s, HexIDLen, len(s), ErrInvalidFormat)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("object id %q: %v: %w", s, err, ErrInvalidFormat)
	}
	return id, nil
}

// ObjectIdFromBytes copies a raw 20-byte id.
func ObjectIdFromBytes(b []byte) (ObjectId, error) {
	var id ObjectId
	if len(b) != IDLen {
		return id, fmt.Errorf("object id: want %d bytes, got %d: %w", IDLen, len(b), ErrInvalidFormat)
	}
	copy(id[:], b)
	return id, nil
}

func (id ObjectId) String() string {
	return hex.EncodeToString(id[:])
}

// Compare orders ids bytewise, matching the sort order of pack index hash
// tables.
func (id ObjectId) Compare(other ObjectId) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero reports whether id is the all-zero id.
func (id ObjectId) IsZero() bool {
	return id == ObjectId{}
}
