package gqcow2

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const QCOW2MagicNumber = "QFI\xfb"

// QCOW2Magic is QCOW2MagicNumber read as a big-endian uint32.
const QCOW2Magic uint64 = 0x514649fb

const (
	// HeaderV2Size is the fixed size of the version 2 header.
	HeaderV2Size = 72
	// minimum cluster_bits, 1 << 9 == 512
	minClusterBits = 9
)

// Header field names.
const (
	FieldMagic                 = "magic"
	FieldVersion               = "version"
	FieldBackingFileOffset     = "backing_file_offset"
	FieldBackingFileSize       = "backing_file_size"
	FieldClusterBits           = "cluster_bits"
	FieldSize                  = "size"
	FieldCryptMethod           = "crypt_method"
	FieldL1Size                = "l1_size"
	FieldL1TableOffset         = "l1_table_offset"
	FieldRefcountTableOffset   = "refcount_table_offset"
	FieldRefcountTableClusters = "refcount_table_clusters"
	FieldNbSnapshots           = "nb_snapshots"
	FieldSnapshotsOffset       = "snapshots_offset"

	FieldIncompatibleFeatures = "incompatible_features"
	FieldCompatibleFeatures   = "compatible_features"
	FieldAutoclearFeatures    = "autoclear_features"
	FieldRefcountOrder        = "refcount_order"
	FieldHeaderLength         = "header_length"

	// derived
	FieldClusterSize = "cluster_size"
	FieldClusters    = "clusters"
)

// HeaderV2 covers bytes 0 - 71, present in every image.
//
//	 0 -  3: magic, "QFI\xfb"
//	 4 -  7: version, 2 or 3
//	 8 - 15: backing_file_offset, 0 without a backing file
//	16 - 19: backing_file_size
//	20 - 23: cluster_bits, cluster size is 1 << cluster_bits
//	24 - 31: size, virtual disk size in bytes
//	32 - 35: crypt_method
//	36 - 39: l1_size, entries in the active L1 table
//	40 - 47: l1_table_offset
//	48 - 55: refcount_table_offset
//	56 - 59: refcount_table_clusters
//	60 - 63: nb_snapshots
//	64 - 71: snapshots_offset
var HeaderV2 = MustSchema(
	Field{FieldMagic, Uint32},
	Field{FieldVersion, Uint32},
	Field{FieldBackingFileOffset, Uint64},
	Field{FieldBackingFileSize, Uint32},
	Field{FieldClusterBits, Uint32},
	Field{FieldSize, Uint64},
	Field{FieldCryptMethod, Uint32},
	Field{FieldL1Size, Uint32},
	Field{FieldL1TableOffset, Uint64},
	Field{FieldRefcountTableOffset, Uint64},
	Field{FieldRefcountTableClusters, Uint32},
	Field{FieldNbSnapshots, Uint32},
	Field{FieldSnapshotsOffset, Uint64},
)

// HeaderV3 covers bytes 72 - 103 of a version 3 image. Besides the four
// version 3 fields it carries autoclear_features, so a version 3 header
// decoded with V3LayoutQCOW2 has one more key than with V3LayoutLegacy, and
// an image shorter than 104 bytes fails with ErrShortRead.
//
//	72 -  79: incompatible_features
//	80 -  87: compatible_features
//	88 -  95: autoclear_features
//	96 -  99: refcount_order
//	100 - 103: header_length
var HeaderV3 = MustSchema(
	Field{FieldIncompatibleFeatures, Uint64},
	Field{FieldCompatibleFeatures, Uint64},
	Field{FieldAutoclearFeatures, Uint64},
	Field{FieldRefcountOrder, Uint32},
	Field{FieldHeaderLength, Uint32},
)

// HeaderV3Legacy is decoded from byte 0, see V3LayoutLegacy.
var HeaderV3Legacy = MustSchema(
	Field{FieldIncompatibleFeatures, Uint64},
	Field{FieldCompatibleFeatures, Uint64},
	Field{FieldRefcountOrder, Uint32},
	Field{FieldHeaderLength, Uint32},
)

// Header is the decoded header record: the version 2 fields, the version 3
// fields for version 3 images, and cluster_size/clusters once geometry is
// known.
type Header Record

// ParseHeader decodes the header and derives the cluster geometry.
func ParseHeader(r FileHandler, opts ...Option) (Header, error) {
	return parseHeader(r, newParseOptions(opts))
}

func parseHeader(r FileHandler, o *parseOptions) (Header, error) {
	info, err := HeaderV2.Decode(r, 0)
	if err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}

	if o.strict {
		if err := checkHeader(info); err != nil {
			return nil, err
		}
	}

	version := info[FieldVersion]
	switch version {
	case 3:
		schema, offset := HeaderV3, int64(HeaderV2Size)
		if o.v3Layout == V3LayoutLegacy {
			schema, offset = HeaderV3Legacy, 0
		}
		o.logger.WithFields(logrus.Fields{
			"v3_layout": o.v3Layout,
			"offset":    offset,
		}).Debug("decoding version 3 header fields")
		ext, err := schema.Decode(r, offset)
		if err != nil {
			return nil, errors.Wrap(err, "decoding version 3 header fields")
		}
		info.Merge(ext)
	case 2:
	default:
		o.logger.WithField(FieldVersion, version).Warn("unrecognised qcow2 version, keeping version 2 fields only")
	}

	h := Header(info)
	if err := h.DeriveGeometry(); err != nil {
		if o.strict {
			return nil, err
		}
		// same outcome as an image without geometry: no L2 walk
		o.logger.WithError(err).Warn("cluster geometry not derived")
	}

	o.logger.WithFields(logrus.Fields{
		FieldVersion:     version,
		FieldClusterBits: h[FieldClusterBits],
		FieldSize:        h[FieldSize],
		FieldL1Size:      h[FieldL1Size],
	}).Debug("decoded header")

	return h, nil
}

func checkHeader(info Record) error {
	magic := byteOrder.AppendUint32(nil, uint32(info[FieldMagic]))
	if string(magic) != QCOW2MagicNumber {
		return errors.Wrapf(ErrBadMagic, "got %q", magic)
	}
	if v := info[FieldVersion]; v != 2 && v != 3 {
		return errors.Wrapf(ErrMalformed, "unsupported version %d", v)
	}
	if bits := info[FieldClusterBits]; bits < minClusterBits {
		return errors.Wrapf(ErrMalformed, "cluster_bits %d below %d", bits, minClusterBits)
	}
	return nil
}

// DeriveGeometry adds cluster_size and clusters when both cluster_bits and
// size are nonzero. clusters is size / cluster_size rounded down, so a
// trailing partial cluster is not counted. cluster_bits of 64 or more fails
// with ErrMalformed and leaves the header unchanged; ParseHeader only
// surfaces that error in strict mode.
func (h Header) DeriveGeometry() error {
	bits, size := h[FieldClusterBits], h[FieldSize]
	if bits == 0 || size == 0 {
		return nil
	}
	if bits >= 64 {
		return errors.Wrapf(ErrMalformed, "cluster_bits %d", bits)
	}

	clusterSize := uint64(1) << bits
	h[FieldClusterSize] = clusterSize
	h[FieldClusters] = size / clusterSize
	return nil
}

func (h Header) Field(name string) (uint64, bool) {
	v, ok := h[name]
	return v, ok
}

func (h Header) Version() uint64 {
	return h[FieldVersion]
}

// ClusterSize is in bytes. ok is false when the geometry was not derived.
func (h Header) ClusterSize() (uint64, bool) {
	return h.Field(FieldClusterSize)
}

func (h Header) Clusters() (uint64, bool) {
	return h.Field(FieldClusters)
}
