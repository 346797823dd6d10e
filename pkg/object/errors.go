package object

import "errors"

var (
	// ErrInvalidFormat reports caller-supplied input that is not what it
	// claims to be, such as a malformed hex id.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrUnsupportedFormat reports on-disk data using a Git feature this
	// engine deliberately does not read, such as idx v1 files, 64-bit
	// offset tables, or ref deltas.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrMalformedObject reports on-disk data that violates the Git
	// storage format itself.
	ErrMalformedObject = errors.New("malformed object")

	// ErrObjectNotFound reports an id that no storage tier could resolve.
	ErrObjectNotFound = errors.New("object not found")
)
