package gqcow2

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// each L1 and L2 table entry is 64bit
	L1EntrySize = 8
	L2EntrySize = 8

	// bits 8 - 62 of an L1 entry, once shifted down
	l2TableOffsetMask = 0x7fffffffffffff

	// keeps a bogus l1_size from allocating before the first read fails
	maxPrealloc = 4096

	// entries fetched per ReadAt, 32 KiB of table
	tableChunk = 4096
)

var (
	L1EntrySchema = MustSchema(Field{"l1_entry", Uint64})
	L2EntrySchema = MustSchema(Field{"l2_entry", Uint64})
)

type L1Entry struct {
	// position in the L1 table
	Index int `json:"-"`
	// the L2 table this entry points to, only walked when both the
	// offset and the cluster count are nonzero
	L2            []L2Entry `json:"l2,omitempty"`
	L2TableOffset uint64    `json:"l2_table_offset"`
	// 1 when the L2 table has refcount exactly one, i.e. can be written
	// in place without COW
	NonCOW uint64 `json:"non_cow"`
}

// ParseL1Entry splits a raw L1 table word.
func ParseL1Entry(index int, word uint64) L1Entry {
	return L1Entry{
		Index:         index,
		L2TableOffset: (word >> 8) & l2TableOffsetMask,
		NonCOW:        word >> 63,
	}
}

func (e L1Entry) Allocated() bool {
	return e.L2TableOffset != 0
}

// L2Entry is a raw L2 table word. See Decode for its fields.
type L2Entry struct {
	Raw uint64 `json:"l2_entry"`
}

// WalkL1 reads the active L1 table and the L2 tables it references.
// The result is nil when the header has no L1 table offset.
func WalkL1(r FileHandler, h Header, opts ...Option) ([]L1Entry, error) {
	return walkL1(r, h, newParseOptions(opts))
}

func walkL1(r FileHandler, h Header, o *parseOptions) ([]L1Entry, error) {
	start := h[FieldL1TableOffset]
	if start == 0 {
		return nil, nil
	}

	count := h[FieldL1Size]
	if count > o.maxL1Entries {
		return nil, errors.Wrapf(ErrLimitExceeded, "l1_size %d over %d", count, o.maxL1Entries)
	}

	// a missing or zero cluster count disables the L2 walk
	clusters, _ := h.Clusters()

	l1 := make([]L1Entry, 0, min(count, maxPrealloc))
	err := readTable(r, L1EntrySchema, start, count, func(index uint64, rec Record) error {
		entry := ParseL1Entry(int(index), rec["l1_entry"])
		if entry.L2TableOffset != 0 && clusters != 0 {
			o.logger.WithFields(logrus.Fields{
				"index":           index,
				"l2_table_offset": entry.L2TableOffset,
				"non_cow":         entry.NonCOW,
				"l2_entries":      clusters,
			}).Debug("walking L2 table")

			l2, err := walkL2(r, entry.L2TableOffset, clusters, o)
			if err != nil {
				return errors.Wrapf(err, "L2 table of L1 entry %d", index)
			}
			entry.L2 = l2
		}
		l1 = append(l1, entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "L1 table")
	}

	return l1, nil
}

// walkL2 reads count raw entries starting at offset.
func walkL2(r FileHandler, offset, count uint64, o *parseOptions) ([]L2Entry, error) {
	if count > o.maxL2Entries {
		return nil, errors.Wrapf(ErrLimitExceeded, "%d L2 entries over %d", count, o.maxL2Entries)
	}

	l2 := make([]L2Entry, 0, min(count, maxPrealloc))
	err := readTable(r, L2EntrySchema, offset, count, func(_ uint64, rec Record) error {
		l2 = append(l2, L2Entry{Raw: rec["l2_entry"]})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return l2, nil
}

// readTable reads count entries of schema starting at start, tableChunk
// entries per read, and hands them to fn in disk order.
func readTable(r FileHandler, schema *Schema, start, count uint64, fn func(index uint64, rec Record) error) error {
	width := uint64(schema.Size())
	if err := checkTableRange(start, count, width); err != nil {
		return err
	}

	for done := uint64(0); done < count; {
		n := min(count-done, tableChunk)
		buf, err := readAt(r, int64(start+done*width), int(n*width))
		if err != nil {
			return errors.Wrapf(err, "entries %d - %d", done, done+n-1)
		}

		for i := uint64(0); i < n; i++ {
			rec, err := schema.Unpack(buf[i*width:])
			if err != nil {
				return err
			}
			if err := fn(done+i, rec); err != nil {
				return err
			}
		}
		done += n
	}

	return nil
}
