package gqcow2_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"qcow2-dump/pkg/gqcow2"

	"github.com/stretchr/testify/require"
)

// v2Header returns a version 2 header record with 64k clusters, a 1MiB
// disk and no L1 table. overrides replace single fields.
func v2Header(overrides gqcow2.Record) gqcow2.Record {
	h := gqcow2.Record{
		gqcow2.FieldMagic:                 gqcow2.QCOW2Magic,
		gqcow2.FieldVersion:               2,
		gqcow2.FieldBackingFileOffset:     0,
		gqcow2.FieldBackingFileSize:       0,
		gqcow2.FieldClusterBits:           16,
		gqcow2.FieldSize:                  1 << 20,
		gqcow2.FieldCryptMethod:           0,
		gqcow2.FieldL1Size:                0,
		gqcow2.FieldL1TableOffset:         0,
		gqcow2.FieldRefcountTableOffset:   0x10000,
		gqcow2.FieldRefcountTableClusters: 1,
		gqcow2.FieldNbSnapshots:           0,
		gqcow2.FieldSnapshotsOffset:       0,
	}
	h.Merge(overrides)
	return h
}

// imageBuilder lays out a synthetic image in memory.
type imageBuilder struct {
	t   *testing.T
	buf []byte
}

func newImageBuilder(t *testing.T, header gqcow2.Record) *imageBuilder {
	t.Helper()
	b, err := gqcow2.HeaderV2.Encode(header)
	require.NoError(t, err)
	return &imageBuilder{t: t, buf: b}
}

func (b *imageBuilder) grow(end int) {
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
}

func (b *imageBuilder) putBytes(offset int, p []byte) *imageBuilder {
	b.grow(offset + len(p))
	copy(b.buf[offset:], p)
	return b
}

func (b *imageBuilder) putUint64(offset int, v uint64) *imageBuilder {
	b.grow(offset + 8)
	binary.BigEndian.PutUint64(b.buf[offset:], v)
	return b
}

// putL1 writes L1 words pointing at the given L2 table offsets.
func (b *imageBuilder) putL1(offset int, l2Offsets ...uint64) *imageBuilder {
	for i, o := range l2Offsets {
		b.putUint64(offset+i*8, o<<8)
	}
	return b
}

func (b *imageBuilder) putRecord(schema *gqcow2.Schema, offset int, rec gqcow2.Record) *imageBuilder {
	b.t.Helper()
	p, err := schema.Encode(rec)
	require.NoError(b.t, err)
	return b.putBytes(offset, p)
}

// pad extends the image with zeros up to size bytes.
func (b *imageBuilder) pad(size int) *imageBuilder {
	b.grow(size)
	return b
}

func (b *imageBuilder) bytes() []byte {
	return b.buf
}

func (b *imageBuilder) reader() *bytes.Reader {
	return bytes.NewReader(b.buf)
}

// recordingReader remembers every read it serves.
type recordingReader struct {
	r     *bytes.Reader
	reads []int64
}

func (rr *recordingReader) ReadAt(p []byte, off int64) (int, error) {
	rr.reads = append(rr.reads, off)
	return rr.r.ReadAt(p, off)
}
