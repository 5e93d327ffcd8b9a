package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// attrCoords is the dataset attribute naming non-dimension coordinate
// variables, space separated.
const attrCoords = "coordinates"

// Open reads the consolidated metadata of a zarr group from the store and
// returns a lazy dataset: variable values are fetched chunk by chunk on
// first access through Values.
func Open(ctx context.Context, store Store) (*Dataset, error) {
	raw, err := store.Get(ctx, keyConsolidated)
	if err != nil {
		return nil, fmt.Errorf("reading consolidated metadata: %w", err)
	}
	var meta consolidatedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing consolidated metadata: %w", err)
	}

	ds := NewDataset()
	ds.store = store

	coordSet := map[string]bool{}
	if rootAttrs, ok := meta.Metadata[keyAttrs]; ok {
		attrs, _, err := unmarshalAttrs(rootAttrs)
		if err != nil {
			return nil, fmt.Errorf("parsing group attributes: %w", err)
		}
		if names, ok := attrs[attrCoords].(string); ok {
			for _, n := range strings.Fields(names) {
				coordSet[n] = true
			}
			delete(attrs, attrCoords)
		}
		ds.Attrs = attrs
	}

	var names []string
	for key := range meta.Metadata {
		if name, ok := strings.CutSuffix(key, "/"+keyArray); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var am arrayMeta
		if err := json.Unmarshal(meta.Metadata[name+"/"+keyArray], &am); err != nil {
			return nil, fmt.Errorf("parsing %s metadata: %w", name, err)
		}
		attrs, dims, err := unmarshalAttrs(meta.Metadata[name+"/"+keyAttrs])
		if err != nil {
			return nil, fmt.Errorf("parsing %s attributes: %w", name, err)
		}
		if len(dims) != len(am.Shape) {
			return nil, fmt.Errorf("variable %s has %d dimensions but shape %v", name, len(dims), am.Shape)
		}
		v := &Variable{
			Dims:   dims,
			Shape:  am.Shape,
			Chunks: am.Chunks,
			Attrs:  attrs,
			dtype:  am.DType,
			comp:   am.Compressor,
			fill:   fillValue(am.FillValue),
		}
		if coordSet[name] || (len(dims) == 1 && dims[0] == name) {
			ds.AddCoord(name, v)
		} else {
			ds.AddVar(name, v)
		}
	}
	return ds, nil
}

// LoadAll fetches every variable's values.
func (d *Dataset) LoadAll(ctx context.Context) error {
	for _, name := range d.order {
		if _, err := d.Values(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// readArray assembles a variable's full array from its chunks. Missing
// chunks read as the fill value.
func readArray(ctx context.Context, store Store, name string, v *Variable) ([]float64, error) {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.fill
	}
	if len(v.Shape) == 0 {
		return out, nil
	}

	full := make([]int, len(v.Shape)) // whole-array region
	err := iterChunks(v.Chunks, make([]int, len(v.Shape)), v.Shape, func(cc []int) error {
		data, err := store.Get(ctx, chunkKey(name, cc))
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		buf, err := decodeChunk(data, v.dtype, v.comp, product(v.Chunks))
		if err != nil {
			return fmt.Errorf("decoding chunk %s: %w", chunkKey(name, cc), err)
		}
		lo, ext, ok := intersect(v.Chunks, v.Shape, cc, full, v.Shape)
		if !ok {
			return nil
		}
		copyBlock(out, v.Shape, lo, buf, v.Chunks, sub(lo, scale(cc, v.Chunks)), ext)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
