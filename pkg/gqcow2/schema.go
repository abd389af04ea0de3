package gqcow2

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// every qcow2 structure is big-endian
var byteOrder = binary.BigEndian

// FieldType is the on-disk width of an unsigned field.
type FieldType int

const (
	Uint32 FieldType = iota + 1
	Uint64
)

// Width is in bytes, 0 for an unknown type.
func (t FieldType) Width() int {
	switch t {
	case Uint32:
		return 4
	case Uint64:
		return 8
	}
	return 0
}

func (t FieldType) String() string {
	switch t {
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

type Field struct {
	Name string
	Type FieldType
}

// Schema is an ordered, packed list of big-endian fields. It is immutable
// once built and safe to share.
type Schema struct {
	fields []Field
	size   int
}

// NewSchema validates the field list: at least one field, unique non-empty
// names, known types.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("schema has no fields")
	}

	s := &Schema{fields: make([]Field, 0, len(fields))}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.New("schema field without a name")
		}
		if _, ok := seen[f.Name]; ok {
			return nil, errors.Errorf("duplicate schema field %q", f.Name)
		}
		w := f.Type.Width()
		if w == 0 {
			return nil, errors.Errorf("field %q has unsupported type %s", f.Name, f.Type)
		}
		seen[f.Name] = struct{}{}
		s.fields = append(s.fields, f)
		s.size += w
	}

	return s, nil
}

// MustSchema is NewSchema for package-level tables.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Size is the total width in bytes.
func (s *Schema) Size() int {
	return s.size
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Decode reads exactly Size() bytes at offset and unpacks them.
func (s *Schema) Decode(r FileHandler, offset int64) (Record, error) {
	buf, err := readAt(r, offset, s.size)
	if err != nil {
		return nil, err
	}
	return s.Unpack(buf)
}

// Unpack decodes the first Size() bytes of b.
func (s *Schema) Unpack(b []byte) (Record, error) {
	if len(b) < s.size {
		return nil, errors.Wrapf(ErrShortRead, "got %d of %d bytes", len(b), s.size)
	}

	rec := make(Record, len(s.fields))
	pos := 0
	for _, f := range s.fields {
		switch f.Type {
		case Uint32:
			rec[f.Name] = uint64(byteOrder.Uint32(b[pos:]))
		case Uint64:
			rec[f.Name] = byteOrder.Uint64(b[pos:])
		}
		pos += f.Type.Width()
	}

	return rec, nil
}

// Encode packs rec back into the schema layout.
func (s *Schema) Encode(rec Record) ([]byte, error) {
	b := make([]byte, s.size)
	pos := 0
	for _, f := range s.fields {
		v, ok := rec[f.Name]
		if !ok {
			return nil, errors.Errorf("record is missing field %q", f.Name)
		}
		switch f.Type {
		case Uint32:
			if v > 0xffffffff {
				return nil, errors.Errorf("field %q value %d does not fit in 4 bytes", f.Name, v)
			}
			byteOrder.PutUint32(b[pos:], uint32(v))
		case Uint64:
			byteOrder.PutUint64(b[pos:], v)
		}
		pos += f.Type.Width()
	}

	return b, nil
}

// Record maps field names to decoded values. Each decode returns a new one.
type Record map[string]uint64

// Merge copies other into r, other winning on collisions.
func (r Record) Merge(other Record) {
	maps.Copy(r, other)
}

// Keys returns the field names sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
