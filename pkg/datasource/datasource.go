// Package datasource defines the metadata model for datamesh datasources:
// identity, spatial and temporal extent, coordinate roles and the data
// schema block.
package datasource

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateID checks a datasource id: lowercase letters, numbers, dashes and
// underscores only.
func ValidateID(id string) error {
	if len(id) < 3 || len(id) > 80 {
		return fmt.Errorf("datasource id must be 3-80 characters, got %d", len(id))
	}
	if !idPattern.MatchString(id) {
		return errors.New("datasource id must only contain lowercase letters, numbers, dashes and underscores")
	}
	return nil
}

// CoordKey is a semantic axis role, mapped to a concrete field name in the
// datasource schema.
type CoordKey string

// Standard coordinate roles.
const (
	CoordTime       CoordKey = "t"
	CoordVertical   CoordKey = "z"
	CoordEasting    CoordKey = "x"
	CoordNorthing   CoordKey = "y"
	CoordEnsemble   CoordKey = "e"
	CoordStation    CoordKey = "s"
	CoordGeometry   CoordKey = "g" // abstract coordinate: a geometry defining a feature location
	CoordFrequency  CoordKey = "f"
	CoordDirection  CoordKey = "d"
	CoordRasterband CoordKey = "b"
	CoordCategory   CoordKey = "c"
	CoordQuantile   CoordKey = "q"
	CoordMonth      CoordKey = "m"
	CoordSeason     CoordKey = "n"
	CoordOtherI     CoordKey = "i"
	CoordOtherJ     CoordKey = "j"
	CoordOtherK     CoordKey = "k"
)

// coordPrefixes maps lowercase three-letter field-name prefixes to roles,
// used when guessing the coordinate mapping of written data.
var coordPrefixes = map[string]CoordKey{
	"lon": CoordEasting,
	"x":   CoordEasting,
	"eas": CoordEasting,
	"lat": CoordNorthing,
	"y":   CoordNorthing,
	"nor": CoordNorthing,
	"dep": CoordVertical,
	"lev": CoordVertical,
	"z":   CoordVertical,
	"ens": CoordEnsemble,
	"tim": CoordTime,
	"ban": CoordRasterband,
	"mon": CoordMonth,
	"sta": CoordStation,
	"sit": CoordStation,
	"fre": CoordFrequency,
	"dir": CoordDirection,
	"cat": CoordCategory,
	"sea": CoordSeason,
	"geo": CoordGeometry,
}

// GuessCoordinates infers a coordinate-role mapping from coordinate field
// names by three-letter prefix (or exact single letter).
func GuessCoordinates(names []string) map[CoordKey]string {
	coords := make(map[CoordKey]string)
	for _, name := range names {
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if len(key) > 3 {
			key = key[:3]
		}
		if role, ok := coordPrefixes[key]; ok {
			coords[role] = name
		}
	}
	return coords
}

// Schema describes the shape of a datasource: global attributes, dimensions,
// coordinate fields and data-variable fields.
type Schema struct {
	Attrs    map[string]any            `json:"attrs,omitempty"`
	Dims     map[string]int64          `json:"dims,omitempty"`
	Coords   map[string]VariableSchema `json:"coords,omitempty"`
	DataVars map[string]VariableSchema `json:"data_vars,omitempty"`
}

// VariableSchema describes one coordinate or data variable.
type VariableSchema struct {
	Dims  []string       `json:"dims,omitempty"`
	DType string         `json:"dtype,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
	Shape []int64        `json:"shape,omitempty"`
}

// MetaLevel says how much of a datasource snapshot is populated.
type MetaLevel int

const (
	// MetaSummary carries identity and extent only.
	MetaSummary MetaLevel = iota

	// MetaDetailed additionally carries the full schema block.
	MetaDetailed
)

// Datasource is an immutable metadata snapshot of a named remote data
// resource. Level records whether the schema detail was loaded; there is no
// hidden mutable state.
type Datasource struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// Geom is the spatial extent in WGS84.
	Geom *geojson.Geometry `json:"geom,omitempty"`

	// TStart and TEnd bound the time extent.
	TStart *time.Time `json:"tstart,omitempty"`
	TEnd   *time.Time `json:"tend,omitempty"`

	// PForecast is the rolling forecast horizon (time after present);
	// PArchive the rolling archive period (time before present).
	PForecast Period `json:"pforecast,omitempty"`
	PArchive  Period `json:"parchive,omitempty"`

	Tags   []string       `json:"tags,omitempty"`
	Labels []string       `json:"labels,omitempty"`
	Info   map[string]any `json:"info,omitempty"`

	Schema Schema `json:"schema,omitempty"`

	// Coordinates maps semantic axis roles to schema field names,
	// for example {"t": "time", "x": "longitude"}.
	Coordinates map[CoordKey]string `json:"coordinates,omitempty"`

	Details  string     `json:"details,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`

	DriverArgs map[string]any `json:"args,omitempty"`
	Driver     string         `json:"driver,omitempty"`

	// Level is the snapshot detail level. Not part of the wire schema.
	Level MetaLevel `json:"-"`
}

// Bounds returns the bounding box of the datasource extent, or false when no
// geometry is set.
func (d *Datasource) Bounds() (orb.Bound, bool) {
	if d.Geom == nil {
		return orb.Bound{}, false
	}
	return d.Geom.Geometry().Bound(), true
}

// Variables returns the data-variable fields, or nil for a summary snapshot
// where they are undefined.
func (d *Datasource) Variables() map[string]VariableSchema {
	if d.Level != MetaDetailed {
		return nil
	}
	return d.Schema.DataVars
}

// Attributes returns the global attributes, or nil for a summary snapshot.
func (d *Datasource) Attributes() map[string]any {
	if d.Level != MetaDetailed {
		return nil
	}
	return d.Schema.Attrs
}

// CheckCoordinates verifies every mapped coordinate names an existing schema
// coordinate or data variable, returning the missing field names.
func (d *Datasource) CheckCoordinates() []string {
	var bad []string
	for _, field := range d.Coordinates {
		_, inCoords := d.Schema.Coords[field]
		_, inVars := d.Schema.DataVars[field]
		if !inCoords && !inVars {
			bad = append(bad, field)
		}
	}
	return bad
}

// Feature is the wire form of a datasource: a GeoJSON-style feature with the
// metadata carried in properties.
type Feature struct {
	ID         string            `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties json.RawMessage   `json:"properties"`
}

// FromFeature builds a datasource snapshot from its wire feature form.
func FromFeature(f Feature, level MetaLevel) (*Datasource, error) {
	var ds Datasource
	if len(f.Properties) > 0 {
		if err := json.Unmarshal(f.Properties, &ds); err != nil {
			return nil, fmt.Errorf("parsing datasource %s properties: %w", f.ID, err)
		}
	}
	ds.ID = f.ID
	ds.Geom = f.Geometry
	ds.Level = level
	return &ds, nil
}
