// Package zarr implements a minimal chunked-array runtime over a generic
// key→bytes Store, speaking the zarr v2 on-disk format with consolidated
// metadata. It is the lazy transfer path of the datamesh client: datasets
// open against a remote chunk store and fetch chunks on demand, and the
// append path performs region writes and dimension appends against the same
// store.
//
// Supported dtypes are little-endian numerics decoded to float64; written
// arrays are always "<f8". Chunks are C-order and compressed with zstd.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrKeyNotFound signals an absent chunk or metadata key, so callers can
// distinguish "chunk absent" from "chunk corrupt".
var ErrKeyNotFound = errors.New("key not found")

// ErrReadOnly is returned by write operations on a store opened in read-only
// query mode.
var ErrReadOnly = errors.New("store is read-only")

// WriteError reports a failed store write.
type WriteError struct {
	Key    string
	Status int
	Detail string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %d - %s", e.Key, e.Status, e.Detail)
}

// Store is the minimal contract the runtime needs from a key→bytes backing
// store. Implementations must return ErrKeyNotFound (possibly wrapped) from
// Get for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Contains(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Keys lists the top-level key names of the resource.
	Keys(ctx context.Context) ([]string, error)

	// Clear removes the whole resource.
	Clear(ctx context.Context) error
}

// Variable is one array in a dataset: its dimensions, shape, chunk grid and
// (once loaded) its values in C order.
type Variable struct {
	Dims   []string
	Shape  []int
	Chunks []int
	Attrs  map[string]any

	data   []float64
	loaded bool

	// storage encoding, populated when opened from a store
	dtype string
	comp  *compressorMeta
	fill  float64
}

// NewVariable builds an in-memory variable. Chunks defaults to the full
// shape when nil.
func NewVariable(dims []string, shape []int, data []float64) *Variable {
	return &Variable{
		Dims:   dims,
		Shape:  shape,
		Chunks: append([]int(nil), shape...),
		Attrs:  map[string]any{},
		data:   data,
		loaded: true,
		dtype:  defaultDType,
		comp:   &compressorMeta{ID: "zstd"},
		fill:   math.NaN(),
	}
}

// Len returns the total element count.
func (v *Variable) Len() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// Data returns the loaded values in C order, or nil when not loaded.
func (v *Variable) Data() []float64 {
	return v.data
}

// SetData replaces the variable values. len(data) must equal Len.
func (v *Variable) SetData(data []float64) error {
	if len(data) != v.Len() {
		return fmt.Errorf("data length %d does not match shape %v", len(data), v.Shape)
	}
	v.data = data
	v.loaded = true
	return nil
}

// Dataset is a labeled collection of variables sharing dimensions. When
// opened from a store it reads chunks lazily through Values.
type Dataset struct {
	Attrs map[string]any

	vars       map[string]*Variable
	coordNames map[string]bool
	order      []string

	store Store
}

// NewDataset creates an empty in-memory dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Attrs:      map[string]any{},
		vars:       map[string]*Variable{},
		coordNames: map[string]bool{},
	}
}

// AddCoord adds a coordinate variable.
func (d *Dataset) AddCoord(name string, v *Variable) {
	d.addVar(name, v)
	d.coordNames[name] = true
}

// AddVar adds a data variable.
func (d *Dataset) AddVar(name string, v *Variable) {
	d.addVar(name, v)
}

func (d *Dataset) addVar(name string, v *Variable) {
	if _, exists := d.vars[name]; !exists {
		d.order = append(d.order, name)
	}
	d.vars[name] = v
}

// Var returns a variable by name.
func (d *Dataset) Var(name string) (*Variable, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// VarNames returns all variable names, coordinates first, each group in
// insertion order (or sorted when opened from a store).
func (d *Dataset) VarNames() []string {
	names := append([]string(nil), d.order...)
	sort.SliceStable(names, func(i, j int) bool {
		ci, cj := d.coordNames[names[i]], d.coordNames[names[j]]
		return ci && !cj
	})
	return names
}

// IsCoord reports whether name is a coordinate variable.
func (d *Dataset) IsCoord(name string) bool {
	return d.coordNames[name]
}

// Dims returns the dimension sizes across all variables.
func (d *Dataset) Dims() map[string]int {
	dims := map[string]int{}
	for _, name := range d.order {
		v := d.vars[name]
		for i, dim := range v.Dims {
			dims[dim] = v.Shape[i]
		}
	}
	return dims
}

// Values returns the variable's values, fetching chunks from the backing
// store on first access for datasets opened with Open.
func (d *Dataset) Values(ctx context.Context, name string) ([]float64, error) {
	v, ok := d.vars[name]
	if !ok {
		return nil, fmt.Errorf("no variable %q in dataset", name)
	}
	if v.loaded {
		return v.data, nil
	}
	if d.store == nil {
		return nil, fmt.Errorf("variable %q has no data and no backing store", name)
	}
	data, err := readArray(ctx, d.store, name, v)
	if err != nil {
		return nil, err
	}
	v.data = data
	v.loaded = true
	return data, nil
}

// Isel returns a copy of the dataset sliced to [start, stop) along dim.
// Variables that do not vary along dim are copied as-is. All variables must
// be loaded.
func (d *Dataset) Isel(dim string, start, stop int) (*Dataset, error) {
	out := NewDataset()
	for k, val := range d.Attrs {
		out.Attrs[k] = val
	}
	for _, name := range d.order {
		v := d.vars[name]
		axis := dimIndex(v.Dims, dim)
		if axis < 0 {
			nv := NewVariable(v.Dims, v.Shape, v.data)
			nv.Attrs = v.Attrs
			out.addVar(name, nv)
			out.coordNames[name] = d.coordNames[name]
			continue
		}
		if !v.loaded {
			return nil, fmt.Errorf("variable %q not loaded", name)
		}
		sliced, shape, err := sliceAxis(v.data, v.Shape, axis, start, stop)
		if err != nil {
			return nil, fmt.Errorf("slicing %q: %w", name, err)
		}
		nv := NewVariable(v.Dims, shape, sliced)
		nv.Attrs = v.Attrs
		out.addVar(name, nv)
		out.coordNames[name] = d.coordNames[name]
	}
	return out, nil
}

// DropCoords returns a copy of the dataset without the named coordinate
// variables.
func (d *Dataset) DropCoords(names []string) *Dataset {
	drop := map[string]bool{}
	for _, n := range names {
		drop[n] = true
	}
	out := NewDataset()
	for k, val := range d.Attrs {
		out.Attrs[k] = val
	}
	for _, name := range d.order {
		if drop[name] {
			continue
		}
		out.addVar(name, d.vars[name])
		out.coordNames[name] = d.coordNames[name]
	}
	return out
}

func dimIndex(dims []string, dim string) int {
	for i, d := range dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// sliceAxis slices a C-order array to [start, stop) along axis.
func sliceAxis(data []float64, shape []int, axis, start, stop int) ([]float64, []int, error) {
	if start < 0 || stop > shape[axis] || start > stop {
		return nil, nil, fmt.Errorf("slice [%d:%d) out of bounds for axis length %d", start, stop, shape[axis])
	}
	outShape := append([]int(nil), shape...)
	outShape[axis] = stop - start

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	out := make([]float64, 0, outer*(stop-start)*inner)
	for o := 0; o < outer; o++ {
		base := o * shape[axis] * inner
		out = append(out, data[base+start*inner:base+stop*inner]...)
	}
	return out, outShape, nil
}
