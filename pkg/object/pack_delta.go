package object

import (
	"bytes"
	"fmt"
	"io"
)

// decodeDeltaVarint reads the little-endian base-128 size varint used at
// the head of a delta patch.
func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("delta varint: %v: %w", err, ErrMalformedObject)
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large: %w", ErrMalformedObject)
		}
	}
}

// decodeOfsDeltaDistance reads the backward distance preceding an
// OFS_DELTA payload. This is not the same encoding as the size varints:
// every continuation step adds one before shifting, so multi-byte
// encodings have no redundant representations.
func decodeOfsDeltaDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("ofs-delta distance truncated: %w", ErrMalformedObject)
	}
	i := 0
	c := data[i]
	i++
	distance := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("ofs-delta distance truncated: %w", ErrMalformedObject)
		}
		c = data[i]
		i++
		distance = ((distance + 1) << 7) | uint64(c&0x7f)
	}
	return distance, i, nil
}

// applyDelta replays one delta patch against base and returns the
// reconstructed object bytes. The patch starts with two size varints (base
// size, result size) followed by copy/insert opcodes.
func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if int(baseSize) != len(base) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d: %w", baseSize, len(base), ErrMalformedObject)
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, err := dr.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("delta opcode: %v: %w", err, ErrMalformedObject)
		}

		if cmd&0x80 != 0 {
			// Copy opcode: the low 4 bits select which offset bytes
			// follow, the next 3 bits which length bytes follow.
			var offset, size int64
			for i := 0; i < 4; i++ {
				if cmd&(1<<i) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("delta copy offset byte %d: %v: %w", i, err, ErrMalformedObject)
				}
				offset |= int64(b) << (i * 8)
			}
			for i := 0; i < 3; i++ {
				if cmd&(1<<(i+4)) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("delta copy size byte %d: %v: %w", i, err, ErrMalformedObject)
				}
				size |= int64(b) << (i * 8)
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > int64(len(base)) {
				return nil, fmt.Errorf("delta copy out of bounds: %w", ErrMalformedObject)
			}
			out = append(out, base[offset:offset+size]...)
			continue
		}

		if cmd == 0 {
			return nil, fmt.Errorf("invalid delta opcode 0: %w", ErrMalformedObject)
		}
		// Insert opcode: cmd literal bytes follow in the patch stream.
		insert := make([]byte, int(cmd))
		if _, err := io.ReadFull(dr, insert); err != nil {
			return nil, fmt.Errorf("delta insert: %v: %w", err, ErrMalformedObject)
		}
		out = append(out, insert...)
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d: %w", len(out), resultSize, ErrMalformedObject)
	}
	return out, nil
}
