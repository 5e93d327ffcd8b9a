package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Write stores the complete dataset as a consolidated zarr group,
// overwriting any keys it shares with existing content. Callers wanting a
// clean slate should Clear the store first.
func Write(ctx context.Context, store Store, ds *Dataset) error {
	meta := consolidatedMeta{
		Metadata: map[string]json.RawMessage{},
		Format:   consolidatedFormat,
	}
	meta.Metadata[keyGroup] = json.RawMessage(fmt.Sprintf(`{"zarr_format":%d}`, zarrFormat))

	rootAttrs := make(map[string]any, len(ds.Attrs)+1)
	for k, v := range ds.Attrs {
		rootAttrs[k] = v
	}
	if coords := ds.nonDimCoords(); len(coords) > 0 {
		rootAttrs[attrCoords] = strings.Join(coords, " ")
	}
	rawRoot, err := json.Marshal(rootAttrs)
	if err != nil {
		return err
	}
	meta.Metadata[keyAttrs] = rawRoot

	for _, name := range ds.order {
		v := ds.vars[name]
		if !v.loaded {
			return fmt.Errorf("variable %q not loaded", name)
		}
		chunks := v.Chunks
		if len(chunks) != len(v.Shape) {
			chunks = v.Shape
		}
		am := arrayMeta{
			ZarrFormat: zarrFormat,
			Shape:      v.Shape,
			Chunks:     chunks,
			DType:      defaultDType,
			Compressor: &compressorMeta{ID: "zstd"},
			FillValue:  "NaN",
			Order:      "C",
		}
		rawArr, err := json.Marshal(am)
		if err != nil {
			return err
		}
		rawAttrs, err := marshalAttrs(v.Attrs, v.Dims)
		if err != nil {
			return err
		}
		meta.Metadata[name+"/"+keyArray] = rawArr
		meta.Metadata[name+"/"+keyAttrs] = rawAttrs

		if err := store.Set(ctx, name+"/"+keyArray, rawArr); err != nil {
			return err
		}
		if err := store.Set(ctx, name+"/"+keyAttrs, rawAttrs); err != nil {
			return err
		}
		if err := writeRegionVar(ctx, store, name, am, v.data, v.Shape, make([]int, len(v.Shape))); err != nil {
			return err
		}
	}

	for _, key := range []string{keyGroup, keyAttrs} {
		if err := store.Set(ctx, key, meta.Metadata[key]); err != nil {
			return err
		}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return store.Set(ctx, keyConsolidated, rawMeta)
}

// nonDimCoords lists coordinate variables that are not dimension
// coordinates (name != first dim), sorted by insertion order.
func (d *Dataset) nonDimCoords() []string {
	var out []string
	for _, name := range d.order {
		if !d.coordNames[name] {
			continue
		}
		v := d.vars[name]
		if len(v.Dims) == 1 && v.Dims[0] == name {
			continue
		}
		out = append(out, name)
	}
	return out
}

// WriteRegion writes sub into the existing arrays at index offset start
// along dim. Every variable of sub that varies along dim is written;
// variables without that dimension are skipped. Array shapes are unchanged.
func WriteRegion(ctx context.Context, store Store, sub *Dataset, dim string, start int) error {
	for _, name := range sub.order {
		v := sub.vars[name]
		axis := dimIndex(v.Dims, dim)
		if axis < 0 {
			continue
		}
		if !v.loaded {
			return fmt.Errorf("variable %q not loaded", name)
		}
		am, err := readArrayMeta(ctx, store, name)
		if err != nil {
			return err
		}
		if err := checkRegionShape(name, am.Shape, v.Shape, axis, start); err != nil {
			return err
		}
		off := make([]int, len(v.Shape))
		off[axis] = start
		if err := writeRegionVar(ctx, store, name, *am, v.data, v.Shape, off); err != nil {
			return err
		}
	}
	return nil
}

// Append extends the existing arrays along dim and writes sub into the
// extension. Variables of sub without the append dimension are left
// unchanged in the store. The consolidated metadata is rewritten to reflect
// the new shapes.
func Append(ctx context.Context, store Store, sub *Dataset, dim string) error {
	rawMeta, err := store.Get(ctx, keyConsolidated)
	if err != nil {
		return fmt.Errorf("reading consolidated metadata: %w", err)
	}
	var meta consolidatedMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return fmt.Errorf("parsing consolidated metadata: %w", err)
	}

	for _, name := range sub.order {
		v := sub.vars[name]
		axis := dimIndex(v.Dims, dim)
		if axis < 0 {
			continue
		}
		if !v.loaded {
			return fmt.Errorf("variable %q not loaded", name)
		}
		rawArr, ok := meta.Metadata[name+"/"+keyArray]
		if !ok {
			return fmt.Errorf("cannot append new variable %q to existing group", name)
		}
		var am arrayMeta
		if err := json.Unmarshal(rawArr, &am); err != nil {
			return fmt.Errorf("parsing %s metadata: %w", name, err)
		}
		oldLen := am.Shape[axis]
		am.Shape = append([]int(nil), am.Shape...)
		am.Shape[axis] = oldLen + v.Shape[axis]
		if err := checkRegionShape(name, am.Shape, v.Shape, axis, oldLen); err != nil {
			return err
		}

		off := make([]int, len(v.Shape))
		off[axis] = oldLen
		if err := writeRegionVar(ctx, store, name, am, v.data, v.Shape, off); err != nil {
			return err
		}

		updated, err := json.Marshal(am)
		if err != nil {
			return err
		}
		if err := store.Set(ctx, name+"/"+keyArray, updated); err != nil {
			return err
		}
		meta.Metadata[name+"/"+keyArray] = updated
	}

	updatedMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return store.Set(ctx, keyConsolidated, updatedMeta)
}

func readArrayMeta(ctx context.Context, store Store, name string) (*arrayMeta, error) {
	raw, err := store.Get(ctx, name+"/"+keyArray)
	if err != nil {
		return nil, fmt.Errorf("reading %s metadata: %w", name, err)
	}
	var am arrayMeta
	if err := json.Unmarshal(raw, &am); err != nil {
		return nil, fmt.Errorf("parsing %s metadata: %w", name, err)
	}
	return &am, nil
}

// checkRegionShape verifies a region of subShape placed at start along axis
// fits inside shape with all other dimensions matching exactly.
func checkRegionShape(name string, shape, subShape []int, axis, start int) error {
	if len(shape) != len(subShape) {
		return fmt.Errorf("variable %q rank mismatch: %d vs %d", name, len(subShape), len(shape))
	}
	for i := range shape {
		if i == axis {
			if start+subShape[i] > shape[i] {
				return fmt.Errorf("variable %q region [%d:%d) exceeds axis length %d",
					name, start, start+subShape[i], shape[i])
			}
			continue
		}
		if subShape[i] != shape[i] {
			return fmt.Errorf("variable %q dimension %d mismatch: %d vs %d",
				name, i, subShape[i], shape[i])
		}
	}
	return nil
}

// writeRegionVar read-modify-writes every chunk intersecting the region
// [off, off+dataShape) of the stored array described by am.
func writeRegionVar(ctx context.Context, store Store, name string, am arrayMeta, data []float64, dataShape, off []int) error {
	if am.DType != defaultDType {
		return fmt.Errorf("variable %q has dtype %s; region writes require %s", name, am.DType, defaultDType)
	}
	chunkLen := product(am.Chunks)
	return iterChunks(am.Chunks, off, dataShape, func(cc []int) error {
		key := chunkKey(name, cc)
		var buf []float64
		existing, err := store.Get(ctx, key)
		switch {
		case err == nil:
			buf, err = decodeChunk(existing, am.DType, am.Compressor, chunkLen)
			if err != nil {
				return fmt.Errorf("decoding chunk %s: %w", key, err)
			}
		case errors.Is(err, ErrKeyNotFound):
			buf = make([]float64, chunkLen)
			fill := fillValue(am.FillValue)
			for i := range buf {
				buf[i] = fill
			}
		default:
			return err
		}

		lo, ext, ok := intersect(am.Chunks, am.Shape, cc, off, dataShape)
		if !ok {
			return nil
		}
		copyBlock(buf, am.Chunks, sub(lo, scale(cc, am.Chunks)), data, dataShape, sub(lo, off), ext)

		encoded, err := encodeChunk(buf, am.Compressor)
		if err != nil {
			return err
		}
		return store.Set(ctx, key, encoded)
	})
}
