package codec

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/pkg/types"
)

var alloc = memory.NewGoAllocator()

func arrowType(t types.DataType) (arrow.DataType, error) {
	switch t {
	case types.TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case types.TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case types.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, fmt.Errorf("codec: unsupported column type %s", t)
	}
}

func toArrow(c *column.Column) (arrow.Array, error) {
	switch c.Type() {
	case types.TypeInt64:
		b := array.NewInt64Builder(alloc)
		defer b.Release()
		b.AppendValues(c.Int64s(), nil)
		return b.NewArray(), nil
	case types.TypeFloat64:
		b := array.NewFloat64Builder(alloc)
		defer b.Release()
		b.AppendValues(c.Float64s(), nil)
		return b.NewArray(), nil
	case types.TypeBool:
		b := array.NewBooleanBuilder(alloc)
		defer b.Release()
		b.Reserve(c.Len())
		for i := 0; i < c.Len(); i++ {
			b.Append(c.Bool(i))
		}
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("codec: unsupported column type %s", c.Type())
	}
}

func fromArrow(arr arrow.Array) (*column.Column, error) {
	switch a := arr.(type) {
	case *array.Int64:
		return column.FromInt64s(append([]int64(nil), a.Int64Values()...)), nil
	case *array.Float64:
		return column.FromFloat64s(append([]float64(nil), a.Float64Values()...)), nil
	case *array.Boolean:
		bm := roaring.New()
		for i := 0; i < a.Len(); i++ {
			if a.Value(i) {
				bm.Add(uint32(i))
			}
		}
		return column.FromBitmap(bm, a.Len()), nil
	default:
		return nil, fmt.Errorf("codec: unsupported arrow type %s", arr.DataType())
	}
}

// EncodeColumn writes c as an Arrow IPC stream holding one record with a
// single field called name.
func EncodeColumn(name string, c *column.Column) ([]byte, error) {
	dt, err := arrowType(c.Type())
	if err != nil {
		return nil, err
	}
	arr, err := toArrow(c)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: dt, Nullable: false}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(c.Len()))
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("codec: write column %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: close column %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// DecodeColumn reads a stream written by EncodeColumn and returns the field
// name and the column.
func DecodeColumn(data []byte) (string, *column.Column, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(alloc))
	if err != nil {
		return "", nil, fmt.Errorf("codec: open column stream: %w", err)
	}
	defer r.Release()

	fields := r.Schema().Fields()
	if len(fields) != 1 {
		return "", nil, fmt.Errorf("codec: column stream has %d fields, want 1", len(fields))
	}
	name := fields[0].Name

	var parts []*column.Column
	for r.Next() {
		rec := r.Record()
		c, err := fromArrow(rec.Column(0))
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, c)
	}
	if err := r.Err(); err != nil {
		return "", nil, fmt.Errorf("codec: read column %s: %w", name, err)
	}
	switch len(parts) {
	case 0:
		t, err := fromArrowType(fields[0].Type)
		if err != nil {
			return "", nil, err
		}
		return name, empty(t), nil
	case 1:
		return name, parts[0], nil
	default:
		return "", nil, fmt.Errorf("codec: column stream %s has %d records, want 1", name, len(parts))
	}
}

func fromArrowType(dt arrow.DataType) (types.DataType, error) {
	switch dt.ID() {
	case arrow.INT64:
		return types.TypeInt64, nil
	case arrow.FLOAT64:
		return types.TypeFloat64, nil
	case arrow.BOOL:
		return types.TypeBool, nil
	default:
		return 0, fmt.Errorf("codec: unsupported arrow type %s", dt)
	}
}

func empty(t types.DataType) *column.Column {
	switch t {
	case types.TypeInt64:
		return column.FromInt64s(nil)
	case types.TypeFloat64:
		return column.FromFloat64s(nil)
	default:
		return column.FromBitmap(nil, 0)
	}
}

// EncodeBlock encodes one result block: a compression byte followed by the
// column stream compressed with c.
func EncodeBlock(name string, col *column.Column, c Compression) ([]byte, error) {
	raw, err := EncodeColumn(name, col)
	if err != nil {
		return nil, err
	}
	payload, err := compress(c, raw)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(c)}, payload...), nil
}

// DecodeBlock reads a block written by EncodeBlock.
func DecodeBlock(data []byte) (string, *column.Column, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("codec: empty block")
	}
	raw, err := decompress(Compression(data[0]), data[1:])
	if err != nil {
		return "", nil, err
	}
	return DecodeColumn(raw)
}
