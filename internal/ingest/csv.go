package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tardb/tardb/internal/catalog"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/pkg/types"
)

// ReadCSV reads a CSV document with a header row. Column types are
// inferred: int64 when every value parses as an integer, then float64,
// then bool for true/false columns.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("ingest: csv has no header")
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
		if names[i] == "" {
			return nil, fmt.Errorf("ingest: column %d has no name", i+1)
		}
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: read rows: %w", err)
	}
	t := &Table{Names: names, Rows: len(records)}
	for i, name := range names {
		raw := make([]string, len(records))
		for r, rec := range records {
			raw[r] = strings.TrimSpace(rec[i])
		}
		typ, col, err := parseColumn(raw)
		if err != nil {
			return nil, fmt.Errorf("ingest: column %s: %w", name, err)
		}
		t.Types = append(t.Types, typ)
		t.Columns = append(t.Columns, col)
	}
	return t, nil
}

func parseColumn(raw []string) (types.DataType, *column.Column, error) {
	if ints, ok := parseInts(raw); ok {
		return types.TypeInt64, column.FromInt64s(ints), nil
	}
	if floats, ok := parseFloats(raw); ok {
		return types.TypeFloat64, column.FromFloat64s(floats), nil
	}
	if bools, ok := parseBools(raw); ok {
		return types.TypeBool, column.FromBools(bools), nil
	}
	for r, v := range raw {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return 0, nil, fmt.Errorf("row %d: %q is not a number or boolean", r+1, v)
		}
	}
	return 0, nil, fmt.Errorf("mixed value types")
}

func parseInts(raw []string) ([]int64, bool) {
	out := make([]int64, len(raw))
	for i, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func parseFloats(raw []string) ([]float64, bool) {
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func parseBools(raw []string) ([]bool, bool) {
	out := make([]bool, len(raw))
	for i, v := range raw {
		switch strings.ToLower(v) {
		case "true":
			out[i] = true
		case "false":
		default:
			return nil, false
		}
	}
	return out, true
}

// IngestCSV reads r and saves it as a new TAR called name.
func IngestCSV(ctx context.Context, cat catalog.Catalog, name string, r io.Reader, opts Options) (*Result, error) {
	t, err := ReadCSV(r)
	if err != nil {
		return nil, err
	}
	b := NewBuilder(opts)
	tar, err := b.Schema(name, t)
	if err != nil {
		return nil, err
	}
	chunks, err := b.Chunks(tar, t)
	if err != nil {
		return nil, err
	}
	return Save(ctx, cat, tar, chunks)
}
