// Package query defines the datamesh query model: immutable, serializable
// descriptions of a subset or transform of one datasource, plus the Stage
// metadata the service derives from them.
//
// A Query serializes deterministically (fixed field order, omitted empties)
// because the serialized form is hashed for remote staging keys and local
// cache paths.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"
)

// GeoFilterType enumerates the supported spatial selection kinds.
type GeoFilterType string

const (
	// GeoFilterFeature selects with a GeoJSON feature geometry.
	GeoFilterFeature GeoFilterType = "feature"

	// GeoFilterBBox selects with a bounding box [x0, y0, x1, y1].
	GeoFilterBBox GeoFilterType = "bbox"

	// GeoFilterRadius selects within a radius of a point [x0, y0, r].
	GeoFilterRadius GeoFilterType = "radius"
)

// GeoFilter describes a spatial subset or interpolation.
type GeoFilter struct {
	Type GeoFilterType `json:"type"`

	// Feature is the selection geometry for type "feature".
	Feature *geojson.Feature `json:"-"`

	// Coords holds [x0,y0,x1,y1] for "bbox" or [x0,y0,r] for "radius",
	// in CRS units.
	Coords []float64 `json:"-"`

	// Resolution is a maximum-resolution hint for spatial downsampling,
	// in CRS units. Zero means native resolution.
	Resolution float64 `json:"resolution,omitempty"`
}

// geoFilterWire is the serialized form; geom is a union of a feature object
// and a coordinate list.
type geoFilterWire struct {
	Type       GeoFilterType   `json:"type"`
	Geom       json.RawMessage `json:"geom"`
	Resolution float64         `json:"resolution,omitempty"`
}

// MarshalJSON serializes the geom union deterministically.
func (g GeoFilter) MarshalJSON() ([]byte, error) {
	w := geoFilterWire{Type: g.Type, Resolution: g.Resolution}
	var err error
	if g.Type == GeoFilterFeature {
		if g.Feature == nil {
			return nil, errors.New("geofilter type feature requires a feature geometry")
		}
		w.Geom, err = json.Marshal(g.Feature)
	} else {
		w.Geom, err = json.Marshal(g.Coords)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the geom union according to the filter type.
func (g *GeoFilter) UnmarshalJSON(data []byte) error {
	var w geoFilterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	g.Type = w.Type
	g.Resolution = w.Resolution
	if w.Type == GeoFilterFeature {
		g.Feature = &geojson.Feature{}
		return json.Unmarshal(w.Geom, g.Feature)
	}
	return json.Unmarshal(w.Geom, &g.Coords)
}

// Validate checks the geom against the filter type.
func (g *GeoFilter) Validate() error {
	switch g.Type {
	case GeoFilterFeature:
		if g.Feature == nil {
			return errors.New("geofilter type feature requires a feature geometry")
		}
	case GeoFilterBBox:
		if len(g.Coords) != 4 {
			return fmt.Errorf("geofilter bbox requires [x0,y0,x1,y1], got %d values", len(g.Coords))
		}
	case GeoFilterRadius:
		if len(g.Coords) != 3 {
			return fmt.Errorf("geofilter radius requires [x0,y0,r], got %d values", len(g.Coords))
		}
	default:
		return fmt.Errorf("unknown geofilter type %q", g.Type)
	}
	return nil
}

// TimeFilterType enumerates temporal selection kinds.
type TimeFilterType string

// TimeFilterRange selects times within a range.
const TimeFilterRange TimeFilterType = "range"

// ResampleType enumerates temporal resampling methods.
type ResampleType string

// ResampleMean averages when reducing temporal resolution.
const ResampleMean ResampleType = "mean"

// TimeValue is either an absolute RFC 3339 timestamp or a relative ISO 8601
// duration (for example "-P1D" meaning one day before now).
type TimeValue string

// Time parses an absolute TimeValue. Relative values return an error.
func (v TimeValue) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, string(v))
}

// IsRelative reports whether the value is a relative duration.
func (v TimeValue) IsRelative() bool {
	return len(v) > 0 && (v[0] == 'P' || ((v[0] == '-' || v[0] == '+') && len(v) > 1 && v[1] == 'P'))
}

// TimeFilter describes a temporal subset or interpolation.
type TimeFilter struct {
	Type TimeFilterType `json:"type,omitempty"`

	// Times is the ordered [start, end] pair. A nil element leaves that
	// end of the range open.
	Times []TimeValue `json:"times"`

	// Resolution is a maximum temporal resolution for downsampling,
	// "native" or empty for no downsampling.
	Resolution string `json:"resolution,omitempty"`

	// Resample is the method applied when reducing temporal resolution.
	Resample ResampleType `json:"resample,omitempty"`
}

// CoordFilter selects specific coordinate values along one coordinate.
type CoordFilter struct {
	Coord  string    `json:"coord"`
	Values []float64 `json:"values"`
}

// AggregateOp enumerates aggregation operators.
type AggregateOp string

// Supported aggregate operators.
const (
	AggregateMean AggregateOp = "mean"
	AggregateMin  AggregateOp = "min"
	AggregateMax  AggregateOp = "max"
	AggregateStd  AggregateOp = "std"
	AggregateSum  AggregateOp = "sum"
)

// Aggregate describes aggregation applied after filtering.
type Aggregate struct {
	Operations []AggregateOp `json:"operations"`

	// Spatial aggregates over the spatial filter extent.
	Spatial *bool `json:"spatial,omitempty"`

	// Temporal aggregates over the temporal filter extent.
	Temporal *bool `json:"temporal,omitempty"`
}

// Kind selects how much of the result is materialized.
type Kind string

const (
	// KindData requests the full data payload.
	KindData Kind = "data"

	// KindSchema requests the result schema only.
	KindSchema Kind = "schema"

	// KindSchemaCoords requests the schema plus coordinate values.
	KindSchemaCoords Kind = "schema_coords"
)

// Query is an immutable datamesh query. Construct it fully before use; the
// canonical serialization of the whole value is hashed for cache keys.
type Query struct {
	// Datasource is the id of the queried datasource.
	Datasource string `json:"datasource"`

	// Parameters are driver parameters passed through to the datasource.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Description is an optional human readable label for this query.
	Description string `json:"description,omitempty"`

	// Variables restricts the result to a subset of variables.
	Variables []string `json:"variables,omitempty"`

	TimeFilter  *TimeFilter   `json:"timefilter,omitempty"`
	GeoFilter   *GeoFilter    `json:"geofilter,omitempty"`
	CoordFilter []CoordFilter `json:"coordfilter,omitempty"`

	// CRS is the spatial reference for filter and output.
	CRS string `json:"crs,omitempty"`

	Aggregate *Aggregate `json:"aggregate,omitempty"`

	// Limit caps the number of returned rows or elements.
	Limit int64 `json:"limit,omitempty"`

	// Kind selects full data, schema only, or schema plus coordinates.
	// Empty means full data.
	Kind Kind `json:"kind,omitempty"`
}

// Validate checks the query is well formed.
func (q *Query) Validate() error {
	if q.Datasource == "" {
		return errors.New("query requires a datasource id")
	}
	if q.GeoFilter != nil {
		if err := q.GeoFilter.Validate(); err != nil {
			return err
		}
	}
	if q.TimeFilter != nil && len(q.TimeFilter.Times) != 2 {
		return fmt.Errorf("timefilter requires [start, end], got %d values", len(q.TimeFilter.Times))
	}
	return nil
}

// CanonicalJSON returns the deterministic serialization of the query. Struct
// fields marshal in declaration order and empty optionals are omitted, so
// structurally identical queries always produce identical bytes.
func (q *Query) CanonicalJSON() ([]byte, error) {
	return json.Marshal(q)
}

// Hash returns the SHA-224 hex digest of the canonical serialization. It is
// the qhash used for remote staging resources and local cache paths.
func (q *Query) Hash() (string, error) {
	data, err := q.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum224(data)
	return hex.EncodeToString(sum[:]), nil
}
