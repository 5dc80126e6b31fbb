// Package footer decodes the trailing metadata block of a Parquet file into
// row groups and column chunks with absolute byte ranges.
//
// A Parquet file ends with the thrift compact encoded FileMetaData, a
// little-endian uint32 holding its length and the magic "PAR1". The parser
// speculatively reads the last TailBytes of the object and only issues a
// second read when the metadata does not fit in that tail.
package footer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
)

// DefaultTailBytes is the speculative tail read size.
const DefaultTailBytes = 1 << 20

const (
	magicLen   = 4
	trailerLen = 8 // footer length + magic
	minSize    = magicLen + trailerLen
)

var (
	magic          = []byte("PAR1")
	encryptedMagic = []byte("PARE")
)

var (
	// ErrUnsupportedFormat indicates the trailing bytes are not a plain
	// Parquet trailer.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCorruptMetadata indicates the metadata block could not be decoded
	// or describes byte ranges outside the file.
	ErrCorruptMetadata = errors.New("corrupt metadata")
)

// RangeFunc reads the bytes in r.
type RangeFunc func(ctx context.Context, r byterange.Range) ([]byte, error)

// -----------------------------------------------------------------------------
// Metadata
// -----------------------------------------------------------------------------

// ColumnChunk is one column's data within one row group.
type ColumnChunk struct {
	RowGroup             int
	Column               int
	Path                 string
	Range                byterange.Range
	DataPageOffset       int64
	DictionaryPageOffset int64
	NumValues            int64
}

// RowGroup is a horizontal slice of the table.
type RowGroup struct {
	Index   int
	NumRows int64
	Range   byterange.Range
	Columns []ColumnChunk
}

// Metadata is the decoded footer. It is immutable.
type Metadata struct {
	// Size is the object size the footer was parsed against.
	Size int64

	// Footer covers the metadata block and the trailer.
	Footer byterange.Range

	RowGroups []RowGroup
	NumRows   int64
	CreatedBy string

	chunks []ColumnChunk // all chunks ordered by start offset
}

// Chunks returns every column chunk ordered by start offset.
func (m *Metadata) Chunks() []ColumnChunk {
	return m.chunks
}

// ChunkAt returns the column chunk containing offset.
func (m *Metadata) ChunkAt(offset int64) (ColumnChunk, bool) {
	i := sort.Search(len(m.chunks), func(i int) bool {
		return m.chunks[i].Range.End > offset
	})
	if i < len(m.chunks) && m.chunks[i].Range.Contains(offset) {
		return m.chunks[i], true
	}
	return ColumnChunk{}, false
}

// NextChunk returns the chunk following c in the same row group.
func (m *Metadata) NextChunk(c ColumnChunk) (ColumnChunk, bool) {
	if c.RowGroup < 0 || c.RowGroup >= len(m.RowGroups) {
		return ColumnChunk{}, false
	}
	cols := m.RowGroups[c.RowGroup].Columns
	for i := range cols[:max(len(cols)-1, 0)] {
		if cols[i].Column == c.Column {
			return cols[i+1], true
		}
	}
	return ColumnChunk{}, false
}

// -----------------------------------------------------------------------------
// Parser
// -----------------------------------------------------------------------------

// Parser decodes Parquet footers.
type Parser struct {
	// TailBytes is the size of the speculative tail read. Values below the
	// trailer size fall back to DefaultTailBytes.
	TailBytes int64
}

// Parse reads and decodes the footer of an object of the given size. Read
// errors from read are returned unchanged; framing problems wrap
// ErrUnsupportedFormat and decoding problems wrap ErrCorruptMetadata.
func (p Parser) Parse(ctx context.Context, size int64, read RangeFunc) (*Metadata, error) {
	if size < minSize {
		return nil, fmt.Errorf("footer: object of %d bytes: %w", size, ErrUnsupportedFormat)
	}

	tailBytes := p.TailBytes
	if tailBytes < trailerLen {
		tailBytes = DefaultTailBytes
	}
	tailLen := min(size, tailBytes)

	tail, err := read(ctx, byterange.New(size-tailLen, size))
	if err != nil {
		return nil, err
	}
	if int64(len(tail)) != tailLen {
		return nil, fmt.Errorf("footer: short tail read: got %d bytes, want %d: %w", len(tail), tailLen, ErrUnsupportedFormat)
	}

	trailer := tail[tailLen-trailerLen:]
	switch {
	case bytes.Equal(trailer[4:], encryptedMagic):
		return nil, fmt.Errorf("footer: encrypted footer: %w", ErrUnsupportedFormat)
	case !bytes.Equal(trailer[4:], magic):
		return nil, fmt.Errorf("footer: bad magic %q: %w", trailer[4:], ErrUnsupportedFormat)
	}

	footerLen := int64(binary.LittleEndian.Uint32(trailer[:4]))
	if footerLen == 0 || footerLen > size-minSize {
		return nil, fmt.Errorf("footer: length %d out of range for %d byte object: %w", footerLen, size, ErrUnsupportedFormat)
	}
	footerStart := size - trailerLen - footerLen

	var body []byte
	if footerLen+trailerLen <= tailLen {
		body = tail[tailLen-trailerLen-footerLen : tailLen-trailerLen]
	} else {
		body, err = read(ctx, byterange.New(footerStart, size-trailerLen))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) != footerLen {
			return nil, fmt.Errorf("footer: short metadata read: got %d bytes, want %d: %w", len(body), footerLen, ErrCorruptMetadata)
		}
	}

	fmd, err := decode(body)
	if err != nil {
		return nil, err
	}
	return build(fmd, size, footerStart)
}

func decode(body []byte) (md *format.FileMetaData, err error) {
	defer func() {
		if r := recover(); r != nil {
			md, err = nil, fmt.Errorf("footer: decoding metadata: %v: %w", r, ErrCorruptMetadata)
		}
	}()

	md = new(format.FileMetaData)
	if err := thrift.Unmarshal(new(thrift.CompactProtocol), body, md); err != nil {
		return nil, fmt.Errorf("footer: decoding metadata: %w: %w", ErrCorruptMetadata, err)
	}
	return md, nil
}

func build(fmd *format.FileMetaData, size, footerStart int64) (*Metadata, error) {
	data := byterange.New(magicLen, footerStart)
	md := &Metadata{
		Size:      size,
		Footer:    byterange.New(footerStart, size),
		NumRows:   fmd.NumRows,
		CreatedBy: fmd.CreatedBy,
		RowGroups: make([]RowGroup, 0, len(fmd.RowGroups)),
	}

	for i, rg := range fmd.RowGroups {
		group := RowGroup{Index: i, NumRows: rg.NumRows}
		for j, cc := range rg.Columns {
			if cc.FilePath != "" {
				// Chunk stored in another file.
				continue
			}
			cm := cc.MetaData
			start := cm.DataPageOffset
			if cm.DictionaryPageOffset > 0 && cm.DictionaryPageOffset < start {
				start = cm.DictionaryPageOffset
			}
			chunk := ColumnChunk{
				RowGroup:             i,
				Column:               j,
				Path:                 strings.Join(cm.PathInSchema, "."),
				Range:                byterange.OfLength(start, cm.TotalCompressedSize),
				DataPageOffset:       cm.DataPageOffset,
				DictionaryPageOffset: cm.DictionaryPageOffset,
				NumValues:            cm.NumValues,
			}
			if chunk.Range.Empty() || !data.Covers(chunk.Range) {
				return nil, fmt.Errorf("footer: row group %d column %q range %s outside data %s: %w",
					i, chunk.Path, chunk.Range, data, ErrCorruptMetadata)
			}
			group.Columns = append(group.Columns, chunk)
			group.Range = group.Range.Union(chunk.Range)
			md.chunks = append(md.chunks, chunk)
		}
		md.RowGroups = append(md.RowGroups, group)
	}

	sort.Slice(md.chunks, func(i, j int) bool {
		return md.chunks[i].Range.Start < md.chunks[j].Range.Start
	})
	return md, nil
}
