package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Well-known zarr v2 metadata keys.
const (
	keyConsolidated = ".zmetadata"
	keyGroup        = ".zgroup"
	keyAttrs        = ".zattrs"
	keyArray        = ".zarray"

	// attrDims is the xarray convention naming an array's dimensions.
	attrDims = "_ARRAY_DIMENSIONS"

	consolidatedFormat = 1
	zarrFormat         = 2
)

// arrayMeta is the .zarray document for one variable.
type arrayMeta struct {
	ZarrFormat int             `json:"zarr_format"`
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	DType      string          `json:"dtype"`
	Compressor *compressorMeta `json:"compressor"`
	FillValue  any             `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    any             `json:"filters"`
}

type compressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// consolidatedMeta is the .zmetadata document: every metadata key of the
// group gathered into one payload so a remote open needs a single request.
type consolidatedMeta struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

func chunkKey(name string, coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprint(c)
	}
	if len(parts) == 0 {
		parts = []string{"0"}
	}
	return name + "/" + strings.Join(parts, ".")
}

// fillValue interprets the .zarray fill_value; absent or null means NaN.
func fillValue(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case string:
		if v == "NaN" {
			return math.NaN()
		}
	}
	return math.NaN()
}

func marshalAttrs(attrs map[string]any, dims []string) (json.RawMessage, error) {
	doc := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		doc[k] = v
	}
	if dims != nil {
		doc[attrDims] = dims
	}
	return json.Marshal(doc)
}

func unmarshalAttrs(raw json.RawMessage) (map[string]any, []string, error) {
	attrs := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, nil, err
		}
	}
	var dims []string
	if d, ok := attrs[attrDims].([]any); ok {
		for _, name := range d {
			s, ok := name.(string)
			if !ok {
				return nil, nil, fmt.Errorf("non-string dimension name %v", name)
			}
			dims = append(dims, s)
		}
		delete(attrs, attrDims)
	}
	return attrs, dims, nil
}
