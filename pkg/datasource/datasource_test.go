package datasource

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("wave-model_v2"))
	assert.Error(t, ValidateID("ab"))
	assert.Error(t, ValidateID("Wave-Model"))
	assert.Error(t, ValidateID("wave model"))
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"P1D", 24 * time.Hour},
		{"PT6H", 6 * time.Hour},
		{"P2DT3H30M", 51*time.Hour + 30*time.Minute},
		{"PT0.5S", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		p, err := ParsePeriod(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, p.Duration(), tt.in)
	}

	_, err := ParsePeriod("1 day")
	assert.Error(t, err)
	_, err = ParsePeriod("P")
	assert.Error(t, err)
}

func TestPeriod_JSONRoundTrip(t *testing.T) {
	p, err := ParsePeriod("P2DT6H")
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `"P2DT6H"`, string(data))

	var back Period
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)

	var zero Period
	require.NoError(t, json.Unmarshal([]byte("null"), &zero))
	assert.Equal(t, Period(0), zero)
}

func TestGuessCoordinates(t *testing.T) {
	coords := GuessCoordinates([]string{"time", "longitude", "latitude", "depth", "mystery"})
	assert.Equal(t, map[CoordKey]string{
		CoordTime:     "time",
		CoordEasting:  "longitude",
		CoordNorthing: "latitude",
		CoordVertical: "depth",
	}, coords)
}

func TestFromFeature(t *testing.T) {
	geom := geojson.NewGeometry(orb.Point{174.0, -37.0})
	props, err := json.Marshal(map[string]any{
		"name":        "Wave model",
		"driver":      "onzarr",
		"coordinates": map[string]string{"t": "time"},
		"schema": map[string]any{
			"dims":   map[string]int64{"time": 100},
			"coords": map[string]any{"time": map[string]any{"dims": []string{"time"}}},
		},
	})
	require.NoError(t, err)

	ds, err := FromFeature(Feature{ID: "wave-model", Geometry: geom, Properties: props}, MetaDetailed)
	require.NoError(t, err)
	assert.Equal(t, "wave-model", ds.ID)
	assert.Equal(t, "Wave model", ds.Name)
	assert.Equal(t, MetaDetailed, ds.Level)
	assert.Equal(t, "time", ds.Coordinates[CoordTime])

	bound, ok := ds.Bounds()
	require.True(t, ok)
	assert.InDelta(t, 174.0, bound.Min[0], 1e-9)
}

func TestDatasource_SummaryHidesDetail(t *testing.T) {
	ds := &Datasource{
		ID:    "wave-model",
		Level: MetaSummary,
		Schema: Schema{
			Attrs:    map[string]any{"title": "waves"},
			DataVars: map[string]VariableSchema{"hs": {Dims: []string{"time"}}},
		},
	}
	assert.Nil(t, ds.Variables())
	assert.Nil(t, ds.Attributes())

	ds.Level = MetaDetailed
	assert.Len(t, ds.Variables(), 1)
	assert.Len(t, ds.Attributes(), 1)
}

func TestDatasource_CheckCoordinates(t *testing.T) {
	ds := &Datasource{
		Coordinates: map[CoordKey]string{CoordTime: "time", CoordEasting: "lon"},
		Schema: Schema{
			Coords: map[string]VariableSchema{"time": {}},
		},
	}
	bad := ds.CheckCoordinates()
	assert.Equal(t, []string{"lon"}, bad)

	ds.Schema.DataVars = map[string]VariableSchema{"lon": {}}
	assert.Nil(t, ds.CheckCoordinates())
}
