package gqcow2

import "errors"

var (
	// ErrShortRead means fewer bytes were available than a record needs,
	// usually a truncated or corrupted image.
	ErrShortRead = errors.New("short read")
	// ErrInvalidOffset means a negative or unaddressable read position.
	ErrInvalidOffset = errors.New("invalid offset")
	// ErrMalformed covers header values that cannot be interpreted.
	ErrMalformed = errors.New("malformed image metadata")
	// ErrLimitExceeded is returned before walking a table whose entry count
	// is over the configured cap.
	ErrLimitExceeded = errors.New("table size limit exceeded")
	// ErrBadMagic is only returned in strict mode.
	ErrBadMagic = errors.New("invalid QCOW2 magic")
)
