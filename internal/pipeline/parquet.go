package pipeline

import (
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// parquetReader reads flat parquet files row by row. Leaf columns map
// to record fields in schema order; null values become nil.
type parquetReader struct {
	file      *os.File
	rowGroups []parquet.RowGroup
	rows      parquet.Rows
	group     int
	columns   []string
	buf       []parquet.Row
	pending   []*scrub.Record
}

func newParquetReader(file *os.File) (*parquetReader, error) {
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name()
	}

	return &parquetReader{
		file:      file,
		rowGroups: pf.RowGroups(),
		columns:   columns,
		buf:       make([]parquet.Row, 64),
	}, nil
}

func (r *parquetReader) Read() (*scrub.Record, error) {
	for len(r.pending) == 0 {
		if r.rows == nil {
			if r.group >= len(r.rowGroups) {
				return nil, io.EOF
			}
			r.rows = r.rowGroups[r.group].Rows()
			r.group++
		}

		n, err := r.rows.ReadRows(r.buf)
		for _, row := range r.buf[:n] {
			r.pending = append(r.pending, r.toRecord(row))
		}

		if err == io.EOF {
			r.rows.Close()
			r.rows = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	rec := r.pending[0]
	r.pending = r.pending[1:]
	return rec, nil
}

func (r *parquetReader) toRecord(row parquet.Row) *scrub.Record {
	rec := scrub.NewRecord()
	for _, field := range r.columns {
		rec.Set(field, nil)
	}
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(r.columns) {
			continue
		}
		rec.Set(r.columns[col], parquetValue(v))
	}
	return rec
}

func (r *parquetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	return r.file.Close()
}

// parquetValue converts a parquet value to the kinds the engine
// understands. Byte arrays are copied out of the page buffer.
func parquetValue(v parquet.Value) scrub.Value {
	if v.IsNull() {
		return nil
	}

	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
