package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// metaGeometry is the schema metadata key naming the geometry column of a
// geo table.
const metaGeometry = "geometry"

func arrowType(k Kind) (arrow.DataType, error) {
	switch k {
	case KindString:
		return arrow.BinaryTypes.String, nil
	case KindInt:
		return arrow.PrimitiveTypes.Int64, nil
	case KindFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case KindTime:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	}
	return nil, fmt.Errorf("unsupported column kind %s", k)
}

// Encode serializes the table as an Arrow IPC file.
func Encode(t *Table) ([]byte, error) {
	fields := make([]arrow.Field, len(t.Columns))
	for i, c := range t.Columns {
		dt, err := arrowType(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}

	var keys, vals []string
	for k, v := range t.Attrs {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	if t.GeomColumn != "" {
		keys = append(keys, metaGeometry)
		vals = append(vals, t.GeomColumn)
	}
	md := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(fields, &md)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i, c := range t.Columns {
		if err := appendColumn(b.Field(i), c); err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := ipc.NewFileWriter(&buf, ipc.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("creating arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		return nil, fmt.Errorf("writing arrow record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("closing arrow writer: %w", err)
	}
	return buf.Bytes(), nil
}

func appendColumn(fb array.Builder, c *Column) error {
	n := c.Len()
	for i := 0; i < n; i++ {
		if !c.IsValid(i) {
			fb.AppendNull()
			continue
		}
		switch b := fb.(type) {
		case *array.StringBuilder:
			b.Append(c.Strings[i])
		case *array.Int64Builder:
			b.Append(c.Ints[i])
		case *array.Float64Builder:
			b.Append(c.Floats[i])
		case *array.BooleanBuilder:
			b.Append(c.Bools[i])
		case *array.TimestampBuilder:
			b.Append(arrow.Timestamp(c.Times[i].UnixNano()))
		default:
			return fmt.Errorf("unsupported builder %T", fb)
		}
	}
	return nil
}

// Decode reads an Arrow IPC file back into a Table, concatenating all
// record batches.
func Decode(data []byte) (*Table, error) {
	fr, err := ipc.NewFileReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening arrow file: %w", err)
	}
	defer fr.Close()

	schema := fr.Schema()
	t := New()
	md := schema.Metadata()
	for i, key := range md.Keys() {
		if key == metaGeometry {
			t.GeomColumn = md.Values()[i]
			continue
		}
		t.Attrs[key] = md.Values()[i]
	}

	cols := make([]*Column, len(schema.Fields()))
	for i, f := range schema.Fields() {
		kind, err := kindOf(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols[i] = &Column{Name: f.Name, Kind: kind}
	}

	for {
		rec, err := fr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading arrow record: %w", err)
		}
		for i, col := range cols {
			if err := appendValues(col, rec.Column(i)); err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
		}
	}

	for _, c := range cols {
		t.Columns = append(t.Columns, c)
	}
	return t, nil
}

func kindOf(dt arrow.DataType) (Kind, error) {
	switch dt.ID() {
	case arrow.STRING:
		return KindString, nil
	case arrow.INT64:
		return KindInt, nil
	case arrow.FLOAT64:
		return KindFloat, nil
	case arrow.BOOL:
		return KindBool, nil
	case arrow.TIMESTAMP:
		return KindTime, nil
	}
	return 0, fmt.Errorf("unsupported arrow type %s", dt)
}

func appendValues(c *Column, arr arrow.Array) error {
	if arr.NullN() > 0 && c.Valid == nil {
		// backfill the mask for rows decoded from earlier batches
		c.Valid = make([]bool, c.Len())
		for j := range c.Valid {
			c.Valid[j] = true
		}
	}
	n := arr.Len()
	for i := 0; i < n; i++ {
		valid := arr.IsValid(i)
		switch a := arr.(type) {
		case *array.String:
			c.Strings = append(c.Strings, stringOrZero(a, i, valid))
		case *array.Int64:
			c.Ints = append(c.Ints, int64OrZero(a, i, valid))
		case *array.Float64:
			c.Floats = append(c.Floats, float64OrZero(a, i, valid))
		case *array.Boolean:
			c.Bools = append(c.Bools, boolOrZero(a, i, valid))
		case *array.Timestamp:
			c.Times = append(c.Times, timeOrZero(a, i, valid))
		default:
			return fmt.Errorf("unsupported arrow array %T", arr)
		}
		if c.Valid != nil {
			c.Valid = append(c.Valid, valid)
		}
	}
	return nil
}

func stringOrZero(a *array.String, i int, valid bool) string {
	if !valid {
		return ""
	}
	return a.Value(i)
}

func int64OrZero(a *array.Int64, i int, valid bool) int64 {
	if !valid {
		return 0
	}
	return a.Value(i)
}

func float64OrZero(a *array.Float64, i int, valid bool) float64 {
	if !valid {
		return 0
	}
	return a.Value(i)
}

func boolOrZero(a *array.Boolean, i int, valid bool) bool {
	if !valid {
		return false
	}
	return a.Value(i)
}

func timeOrZero(a *array.Timestamp, i int, valid bool) time.Time {
	if !valid {
		return time.Time{}
	}
	return time.Unix(0, int64(a.Value(i))).UTC()
}
