package gqcow2

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Table walk caps. Entry counts come straight from the header, so without a
// cap a crafted image can keep the walker busy for a very long time.
const (
	// DefaultMaxL1Entries matches qemu's 32 MiB limit on the L1 table.
	DefaultMaxL1Entries uint64 = 1 << 22
	// DefaultMaxL2Entries bounds the per-table L2 walk, which runs for
	// `clusters` entries.
	DefaultMaxL2Entries uint64 = 1 << 24

	// NoLimit turns a cap off.
	NoLimit uint64 = math.MaxUint64
)

// V3Layout selects where the version 3 header fields are read from.
type V3Layout int

const (
	// V3LayoutQCOW2 reads the version 3 fields at byte 72, right after the
	// version 2 block, including autoclear_features at 88-95.
	V3LayoutQCOW2 V3Layout = iota
	// V3LayoutLegacy re-reads incompatible_features, compatible_features,
	// refcount_order and header_length packed from byte 0. Values overlap
	// the version 2 block; kept for output compatibility with older dumps.
	V3LayoutLegacy
)

func (l V3Layout) String() string {
	switch l {
	case V3LayoutQCOW2:
		return "qcow2"
	case V3LayoutLegacy:
		return "legacy"
	}
	return "unknown"
}

// Option configures Parse.
type Option func(*parseOptions)

type parseOptions struct {
	logger       logrus.FieldLogger
	v3Layout     V3Layout
	strict       bool
	maxL1Entries uint64
	maxL2Entries uint64
}

func newParseOptions(opts []Option) *parseOptions {
	o := &parseOptions{
		logger:       logrus.StandardLogger(),
		v3Layout:     V3LayoutQCOW2,
		maxL1Entries: DefaultMaxL1Entries,
		maxL2Entries: DefaultMaxL2Entries,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets where parse progress is logged. Nil keeps the logrus
// standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *parseOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithV3Layout(layout V3Layout) Option {
	return func(o *parseOptions) {
		o.v3Layout = layout
	}
}

// WithStrict rejects images with a wrong magic, a version other than 2 or 3,
// or clusters smaller than 512 bytes. By default such headers are decoded
// as-is.
func WithStrict(strict bool) Option {
	return func(o *parseOptions) {
		o.strict = strict
	}
}

// WithMaxL1Entries caps l1_size. Zero keeps the default, NoLimit disables
// the check.
func WithMaxL1Entries(n uint64) Option {
	return func(o *parseOptions) {
		if n > 0 {
			o.maxL1Entries = n
		}
	}
}

// WithMaxL2Entries caps the number of entries read per L2 table.
func WithMaxL2Entries(n uint64) Option {
	return func(o *parseOptions) {
		if n > 0 {
			o.maxL2Entries = n
		}
	}
}
