package gqcow2

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// readAt reads exactly length bytes at offset. Anything less than length is
// reported as ErrShortRead, whatever error the handler returned with it.
func readAt(r FileHandler, offset int64, length int) ([]byte, error) {
	if offset < 0 {
		return nil, errors.Wrapf(ErrInvalidOffset, "offset %d", offset)
	}
	// no op
	if length == 0 {
		return nil, nil
	}
	if offset > math.MaxInt64-int64(length) {
		return nil, errors.Wrapf(ErrInvalidOffset, "offset %d with %d bytes is out of range", offset, length)
	}

	result := make([]byte, length)
	rc, err := r.ReadAt(result, offset)
	if rc == length {
		// io.ReaderAt may hand back io.EOF with a full buffer at the end of file
		return result, nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(ErrShortRead, "got %d of %d bytes at offset %d", rc, length, offset)
	}

	return nil, errors.Wrapf(err, "reading %d bytes at offset %d", length, offset)
}

// checkTableRange checks that count entries of entrySize bytes starting at
// start stay addressable, so a table walk never wraps around.
func checkTableRange(start, count, entrySize uint64) error {
	if start > math.MaxInt64 || count > (math.MaxInt64-start)/entrySize {
		return errors.Wrapf(ErrInvalidOffset, "table at %#x with %d entries is out of range", start, count)
	}
	return nil
}

// SeekReader turns a plain seekable stream into a FileHandler.
// Every ReadAt moves the stream position, so a SeekReader must not be used
// from more than one goroutine at a time.
type SeekReader struct {
	rs io.ReadSeeker
}

func NewSeekReader(rs io.ReadSeeker) *SeekReader {
	return &SeekReader{rs: rs}
}

func (s *SeekReader) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.rs, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}
