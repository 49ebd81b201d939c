// Package ingest builds TARs from tabular input. Selected integer columns
// become dimensions, every other column an attribute; rows are cut into
// chunks whose axes are Total specifications.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/tardb/tardb/internal/catalog"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// RowDimension names the implicit axis used when no column is a dimension.
const RowDimension = "row"

// Options control how a table becomes a TAR.
type Options struct {
	// Dimensions are the integer columns used as axes
	Dimensions []string

	// ChunkRows is the number of rows per chunk (default: 65536)
	ChunkRows int
}

// Table is typed columnar input.
type Table struct {
	Names   []string
	Types   []types.DataType
	Columns []*column.Column
	Rows    int
}

// Result describes an ingested TAR.
type Result struct {
	TAR    *types.TAR
	Chunks int
	Rows   int64
}

// Builder cuts a table into the schema and chunks of a TAR.
type Builder struct {
	opts Options
}

// NewBuilder creates a chunk builder.
func NewBuilder(opts Options) *Builder {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = 65536
	}
	return &Builder{opts: opts}
}

// Schema derives the TAR of t. Dimension axes span the observed range of
// their column with unit spacing.
func (b *Builder) Schema(name string, t *Table) (*types.TAR, error) {
	if t.Rows == 0 {
		return nil, fmt.Errorf("ingest: %s has no rows", name)
	}
	tar := &types.TAR{Name: name}
	isDim := make(map[string]bool, len(b.opts.Dimensions))
	for _, d := range b.opts.Dimensions {
		i := indexOf(t.Names, d)
		if i < 0 {
			return nil, fmt.Errorf("ingest: dimension column %s not found", d)
		}
		if t.Types[i] != types.TypeInt64 {
			return nil, fmt.Errorf("ingest: dimension column %s must hold integers, got %s", d, t.Types[i])
		}
		lo, hi := minMax(t.Columns[i].Int64s())
		tar.Dimensions = append(tar.Dimensions, &types.Dimension{
			Name:       d,
			Type:       types.TypeInt64,
			Kind:       types.DimensionImplicit,
			LowerBound: float64(lo),
			UpperBound: float64(hi),
			Spacing:    1,
		})
		isDim[d] = true
	}
	if len(tar.Dimensions) == 0 {
		tar.Dimensions = []*types.Dimension{{
			Name:       RowDimension,
			Type:       types.TypeInt64,
			Kind:       types.DimensionImplicit,
			UpperBound: float64(t.Rows - 1),
			Spacing:    1,
		}}
	}
	for i, n := range t.Names {
		if !isDim[n] {
			tar.Attributes = append(tar.Attributes, types.Attribute{Name: n, Type: t.Types[i]})
		}
	}
	if err := tar.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return tar, nil
}

// Chunks cuts t into chunks of tar. Duplicate coordinates are rejected.
func (b *Builder) Chunks(tar *types.TAR, t *Table) ([]*subtar.Subtar, error) {
	dimCols := make([]int, 0, len(b.opts.Dimensions))
	for _, d := range b.opts.Dimensions {
		dimCols = append(dimCols, indexOf(t.Names, d))
	}
	if err := checkUnique(t, dimCols); err != nil {
		return nil, err
	}

	var chunks []*subtar.Subtar
	for start := 0; start < t.Rows; start += b.opts.ChunkRows {
		end := start + b.opts.ChunkRows
		if end > t.Rows {
			end = t.Rows
		}
		st := subtar.New(tar)

		if len(dimCols) == 0 {
			spec, err := subtar.NewOrdered(tar.Dimensions[0], int64(start), int64(end-1), 1)
			if err != nil {
				return nil, fmt.Errorf("ingest: %w", err)
			}
			st.AddSpec(spec)
		}
		for k, ci := range dimCols {
			dim := tar.Dimensions[k]
			vals := t.Columns[ci].Int64s()[start:end]
			idx := make([]int64, len(vals))
			for i, v := range vals {
				idx[i] = v - int64(dim.LowerBound)
			}
			spec, err := subtar.NewTotal(dim, column.FromInt64s(idx))
			if err != nil {
				return nil, fmt.Errorf("ingest: %w", err)
			}
			st.AddSpec(spec)
		}
		for i, n := range t.Names {
			if tar.GetDimension(n) != nil {
				continue
			}
			st.SetAttribute(n, slice(t.Columns[i], start, end))
		}
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("ingest: chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, st)
	}
	return chunks, nil
}

// Save registers tar and persists its chunks.
func Save(ctx context.Context, cat catalog.Catalog, tar *types.TAR, chunks []*subtar.Subtar) (*Result, error) {
	if err := cat.SaveTAR(ctx, tar); err != nil {
		return nil, err
	}
	res := &Result{TAR: tar}
	for i, st := range chunks {
		if err := cat.SaveSubtar(ctx, tar.Name, i, st); err != nil {
			return nil, err
		}
		res.Chunks++
		res.Rows += int64(st.FilledLength())
	}
	log.Printf("ingest: saved %s with %d chunks, %d rows", tar.Name, res.Chunks, res.Rows)
	return res, nil
}

func checkUnique(t *Table, dimCols []int) error {
	if len(dimCols) == 0 {
		return nil
	}
	seen := make(map[string]int, t.Rows)
	var key strings.Builder
	for r := 0; r < t.Rows; r++ {
		key.Reset()
		for _, ci := range dimCols {
			key.WriteString(strconv.FormatInt(t.Columns[ci].Int64s()[r], 10))
			key.WriteByte(',')
		}
		if prev, ok := seen[key.String()]; ok {
			return fmt.Errorf("ingest: rows %d and %d share coordinates (%s)", prev+1, r+1, strings.TrimSuffix(key.String(), ","))
		}
		seen[key.String()] = r
	}
	return nil
}

func slice(c *column.Column, start, end int) *column.Column {
	switch c.Type() {
	case types.TypeInt64:
		return column.FromInt64s(c.Int64s()[start:end])
	case types.TypeFloat64:
		return column.FromFloat64s(c.Float64s()[start:end])
	default:
		vals := make([]bool, end-start)
		for i := range vals {
			vals[i] = c.Bool(start + i)
		}
		return column.FromBools(vals)
	}
}

func minMax(vals []int64) (int64, int64) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
