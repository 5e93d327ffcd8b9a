// Package table holds tabular query results: typed columns with optional
// null masks, serialized on the wire as Arrow IPC files. Geo tables carry a
// designated geometry column encoded as WKT.
package table

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Kind enumerates column value types.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Column is one typed column. Exactly the slice matching Kind is populated.
// A nil Valid mask means every value is set.
type Column struct {
	Name string
	Kind Kind

	Strings []string
	Ints    []int64
	Floats  []float64
	Bools   []bool
	Times   []time.Time

	Valid []bool
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case KindString:
		return len(c.Strings)
	case KindInt:
		return len(c.Ints)
	case KindFloat:
		return len(c.Floats)
	case KindBool:
		return len(c.Bools)
	case KindTime:
		return len(c.Times)
	}
	return 0
}

// IsValid reports whether row i holds a value.
func (c *Column) IsValid(i int) bool {
	return c.Valid == nil || c.Valid[i]
}

// Table is an ordered collection of equal-length columns. Attrs carries
// dataset-level metadata; GeomColumn names the geometry column of a geo
// table and is empty otherwise.
type Table struct {
	Columns    []*Column
	Attrs      map[string]string
	GeomColumn string
}

// New creates an empty table.
func New() *Table {
	return &Table{Attrs: map[string]string{}}
}

// NumRows returns the row count, zero for an empty table.
func (t *Table) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// AddColumn appends a column, checking its length against existing columns.
func (t *Table) AddColumn(c *Column) error {
	if len(t.Columns) > 0 && c.Len() != t.NumRows() {
		return fmt.Errorf("column %q has %d rows, table has %d", c.Name, c.Len(), t.NumRows())
	}
	t.Columns = append(t.Columns, c)
	return nil
}

// SetGeometry adds a geometry column serialized as WKT and marks the table
// as a geo table.
func (t *Table) SetGeometry(name string, geoms []orb.Geometry) error {
	vals := make([]string, len(geoms))
	for i, g := range geoms {
		vals[i] = wkt.MarshalString(g)
	}
	if err := t.AddColumn(&Column{Name: name, Kind: KindString, Strings: vals}); err != nil {
		return err
	}
	t.GeomColumn = name
	return nil
}

// Geometries decodes the geometry column. Returns an error when the table
// has no geometry column or a value fails to parse.
func (t *Table) Geometries() ([]orb.Geometry, error) {
	if t.GeomColumn == "" {
		return nil, fmt.Errorf("table has no geometry column")
	}
	col, ok := t.Column(t.GeomColumn)
	if !ok {
		return nil, fmt.Errorf("geometry column %q missing", t.GeomColumn)
	}
	if col.Kind != KindString {
		return nil, fmt.Errorf("geometry column %q is %s, want string", t.GeomColumn, col.Kind)
	}
	geoms := make([]orb.Geometry, len(col.Strings))
	for i, s := range col.Strings {
		if !col.IsValid(i) {
			continue
		}
		g, err := wkt.Unmarshal(s)
		if err != nil {
			return nil, fmt.Errorf("row %d: parsing geometry: %w", i, err)
		}
		geoms[i] = g
	}
	return geoms, nil
}
