// Package testutil provides Parquet fixtures for tests and examples.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
)

// -----------------------------------------------------------------------------
// Real Parquet files
// -----------------------------------------------------------------------------

// Record is the row type of the generated Parquet files.
type Record struct {
	ID    int64   `parquet:"id"`
	Name  string  `parquet:"name"`
	Score float64 `parquet:"score"`
}

// Records returns n deterministic rows.
func Records(n int) []Record {
	rows := make([]Record, n)
	for i := range rows {
		rows[i] = Record{
			ID:    int64(i),
			Name:  fmt.Sprintf("row-%06d", i),
			Score: float64(i) * 0.5,
		}
	}
	return rows
}

// WriteParquet encodes rows as an uncompressed Parquet file with at most
// rowsPerGroup rows in each row group.
func WriteParquet(rows []Record, rowsPerGroup int) ([]byte, error) {
	if rowsPerGroup <= 0 {
		rowsPerGroup = len(rows)
	}
	schema := parquet.SchemaOf(Record{})

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema, parquet.Compression(&parquet.Uncompressed))
	for start := 0; start < len(rows); start += rowsPerGroup {
		rowBuf := parquet.NewBuffer(schema)
		for i, r := range rows[start:min(start+rowsPerGroup, len(rows))] {
			if err := rowBuf.Write(r); err != nil {
				_ = w.Close()
				return nil, fmt.Errorf("parquet: write row %d: %w", start+i, err)
			}
		}
		if _, err := w.WriteRowGroup(rowBuf); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("parquet: write row group: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// -----------------------------------------------------------------------------
// Synthetic Parquet objects
// -----------------------------------------------------------------------------

// Layout describes a synthetic Parquet object: its size and, per row group,
// the column chunk ranges in column order.
type Layout struct {
	Size      int64
	RowGroups [][]byterange.Range

	// Dictionary places a dictionary page at the start of every chunk, so
	// the data page offset lies inside the chunk.
	Dictionary bool
}

// ScenarioLayout is a 10 MiB object with two row groups of three column
// chunks each. Column chunk 2 of row group 1 spans [2_000_000, 3_500_000).
func ScenarioLayout() Layout {
	return Layout{
		Size: 10 << 20,
		RowGroups: [][]byterange.Range{
			{
				byterange.New(4, 2_000_000),
				byterange.New(2_000_000, 3_500_000),
				byterange.New(3_500_000, 5_000_000),
			},
			{
				byterange.New(5_000_000, 6_500_000),
				byterange.New(6_500_000, 8_000_000),
				byterange.New(8_000_000, 10_000_000),
			},
		},
	}
}

// Pattern returns n deterministic, position dependent bytes.
func Pattern(n int64) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i>>11)
	}
	return out
}

// SyntheticParquet builds an object of layout.Size bytes filled with
// Pattern, framed by Parquet magic and ending with a thrift encoded footer
// describing layout.
func SyntheticParquet(layout Layout) ([]byte, error) {
	footer, err := EncodeFooter(layout)
	if err != nil {
		return nil, err
	}
	footerStart := layout.Size - 8 - int64(len(footer))
	for _, rg := range layout.RowGroups {
		for _, c := range rg {
			if c.Start < 4 || c.End > footerStart {
				return nil, fmt.Errorf("testutil: chunk %s overlaps framing (footer at %d)", c, footerStart)
			}
		}
	}

	data := Pattern(layout.Size)
	copy(data, "PAR1")
	copy(data[footerStart:], footer)
	binary.LittleEndian.PutUint32(data[layout.Size-8:], uint32(len(footer)))
	copy(data[layout.Size-4:], "PAR1")
	return data, nil
}

// EncodeFooter returns the thrift compact encoding of the FileMetaData
// describing layout.
func EncodeFooter(layout Layout) ([]byte, error) {
	md := format.FileMetaData{
		Version:   1,
		CreatedBy: "analytics-accelerator-s3 testutil",
	}

	ncols := 0
	for _, rg := range layout.RowGroups {
		ncols = max(ncols, len(rg))
	}
	md.Schema = append(md.Schema, format.SchemaElement{Name: "schema"})
	for i := 0; i < ncols; i++ {
		md.Schema = append(md.Schema, format.SchemaElement{Name: fmt.Sprintf("col%d", i)})
	}

	for _, rg := range layout.RowGroups {
		group := format.RowGroup{NumRows: 1000}
		for i, c := range rg {
			cm := format.ColumnMetaData{
				PathInSchema:          []string{fmt.Sprintf("col%d", i)},
				NumValues:             1000,
				TotalCompressedSize:   c.Len(),
				TotalUncompressedSize: c.Len(),
				DataPageOffset:        c.Start,
			}
			if layout.Dictionary {
				cm.DictionaryPageOffset = c.Start
				cm.DataPageOffset = c.Start + min(c.Len()/2, 100)
			}
			group.Columns = append(group.Columns, format.ColumnChunk{FileOffset: c.Start, MetaData: cm})
			group.TotalByteSize += c.Len()
		}
		md.RowGroups = append(md.RowGroups, group)
		md.NumRows += group.NumRows
	}

	return thrift.Marshal(new(thrift.CompactProtocol), &md)
}
