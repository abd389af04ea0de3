package gqcow2

import "github.com/pkg/errors"

// StandardDescriptor is an uncompressed cluster mapping.
type StandardDescriptor struct {
	// bit 0, the cluster reads as zeros
	AllZero bool
	// bits 9 - 55
	// if DataOffset is 0 and the entry is not Copied the cluster is
	// unallocated; with Copied set an external data file is in use
	DataOffset uint64
}

// CompressedDescriptor locates a compressed cluster. The data starts at
// DataOffset, which is not aligned to anything, and runs over
// AdditionalSectorCount more 512 byte sectors.
type CompressedDescriptor struct {
	DataOffset            uint64
	AdditionalSectorCount uint64
}

// L2Mapping is an interpreted L2 entry. Exactly one of Standard and
// Compressed is set.
type L2Mapping struct {
	// bit 63, refcount is exactly one
	Copied bool

	Standard   *StandardDescriptor
	Compressed *CompressedDescriptor
}

const (
	l2CopiedBit     = uint64(1) << 63
	l2CompressedBit = uint64(1) << 62
	l2ZeroBit       = uint64(1)
	l2DataMask      = uint64(0x00fffffffffffe00)
)

func (e L2Entry) Copied() bool {
	return e.Raw&l2CopiedBit != 0
}

func (e L2Entry) Compressed() bool {
	return e.Raw&l2CompressedBit != 0
}

// Decode interprets the raw word for an image with the given cluster_bits.
// Only compressed entries depend on cluster_bits.
func (e L2Entry) Decode(clusterBits uint64) (L2Mapping, error) {
	m := L2Mapping{Copied: e.Copied()}
	if !e.Compressed() {
		m.Standard = &StandardDescriptor{
			AllZero:    e.Raw&l2ZeroBit != 0,
			DataOffset: e.Raw & l2DataMask,
		}
		return m, nil
	}

	if clusterBits < minClusterBits || clusterBits > 62 {
		return L2Mapping{}, errors.Wrapf(ErrMalformed, "cluster_bits %d for compressed L2 entry", clusterBits)
	}
	// offset takes bits 0 to x-1, the sector count bits x to 61
	x := 62 - (clusterBits - 8)
	m.Compressed = &CompressedDescriptor{
		DataOffset:            e.Raw & (uint64(1)<<x - 1),
		AdditionalSectorCount: (e.Raw >> x) & (uint64(1)<<(62-x) - 1),
	}
	return m, nil
}
