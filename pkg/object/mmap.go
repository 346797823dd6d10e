package object

// mappedFile is a read-only view of a file's full contents. On unix it is a
// real mapping; elsewhere it falls back to reading the file into memory.
type mappedFile struct {
	data   []byte
	mapped bool
}

// Bytes returns the mapped contents. The slice is only valid until Close.
func (m *mappedFile) Bytes() []byte {
	return m.data
}
