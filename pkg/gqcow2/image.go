package gqcow2

import (
	"encoding/json"
	"fmt"
	"io"
)

// FileHandler is the image resource. Local files, http served files or
// anything else with random access reads will do; use NewSeekReader for a
// plain seekable stream.
type FileHandler interface {
	io.ReaderAt
}

// Metadata is everything Parse learns about an image.
type Metadata struct {
	Header Header
	// nil when the header has no L1 table offset, which is not the same
	// as an empty table
	L1 []L1Entry
}

// Parse decodes the header, derives the geometry and walks the L1/L2
// tables. Any failure aborts the whole parse.
func Parse(r FileHandler, opts ...Option) (*Metadata, error) {
	return parse(r, newParseOptions(opts))
}

func parse(r FileHandler, o *parseOptions) (*Metadata, error) {
	h, err := parseHeader(r, o)
	if err != nil {
		return nil, err
	}

	l1, err := walkL1(r, h, o)
	if err != nil {
		return nil, err
	}

	return &Metadata{Header: h, L1: l1}, nil
}

// Record flattens the metadata into one map: header fields plus "l1".
func (m Metadata) Record() map[string]any {
	out := make(map[string]any, len(m.Header)+1)
	for k, v := range m.Header {
		out[k] = v
	}
	if m.L1 != nil {
		out["l1"] = m.L1
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Record())
}

type Image struct {
	// mostly for print
	Name string

	Handler  FileHandler
	Metadata *Metadata
}

// NewFileImage parses f. The handler is not closed.
func NewFileImage(f FileHandler, name string, opts ...Option) (*Image, error) {
	o := newParseOptions(opts)
	o.logger = o.logger.WithField("image", name)

	md, err := parse(f, o)
	if err != nil {
		return nil, err
	}

	return &Image{Name: name, Handler: f, Metadata: md}, nil
}

func (i *Image) String() string {
	h := i.Metadata.Header
	clusterSize, _ := h.ClusterSize()
	allocated := 0
	for _, e := range i.Metadata.L1 {
		if e.Allocated() {
			allocated++
		}
	}

	return fmt.Sprintf(`image:%s
    format:qcow2
    version:%d
    virtual size: %d(bytes)
    cluster size: %d
    l1 entries: %d (%d allocated)
    `,
		i.Name,
		h.Version(),
		h[FieldSize],
		clusterSize,
		len(i.Metadata.L1),
		allocated,
	)
}
