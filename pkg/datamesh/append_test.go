package datamesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanum-io/datamesh-go/pkg/datasource"
	"github.com/oceanum-io/datamesh-go/pkg/zarr"
)

func bareConnector() *Connector {
	return &Connector{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// existingStore seeds a MemStore with time={0,1,2,3}, lat={-10,10} and
// hs[time][lat] = 10*t + l (l in {0,1}).
func existingStore(t *testing.T) *zarr.MemStore {
	t.Helper()
	ds := zarr.NewDataset()
	ds.AddCoord("time", zarr.NewVariable([]string{"time"}, []int{4}, []float64{0, 1, 2, 3}))
	ds.AddCoord("lat", zarr.NewVariable([]string{"lat"}, []int{2}, []float64{-10, 10}))
	ds.AddVar("hs", zarr.NewVariable([]string{"time", "lat"}, []int{4, 2},
		[]float64{0, 1, 10, 11, 20, 21, 30, 31}))
	store := zarr.NewMemStore()
	require.NoError(t, zarr.Write(context.Background(), store, ds))
	return store
}

func batch(times []float64, hs []float64) *zarr.Dataset {
	ds := zarr.NewDataset()
	ds.AddCoord("time", zarr.NewVariable([]string{"time"}, []int{len(times)}, times))
	ds.AddCoord("lat", zarr.NewVariable([]string{"lat"}, []int{2}, []float64{-10, 10}))
	ds.AddVar("hs", zarr.NewVariable([]string{"time", "lat"}, []int{len(times), 2}, hs))
	return ds
}

func storeValues(t *testing.T, store zarr.Store, name string) []float64 {
	t.Helper()
	ds, err := zarr.Open(context.Background(), store)
	require.NoError(t, err)
	vals, err := ds.Values(context.Background(), name)
	require.NoError(t, err)
	return vals
}

func TestWriteStoreFresh(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemStore()
	c := bareConnector()

	err := c.writeStore(ctx, store, "wave-model", batch([]float64{0, 1}, []float64{0, 1, 10, 11}), WriteOptions{AppendCoord: "time"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, storeValues(t, store, "time"))
}

func TestWriteStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	err := c.writeStore(ctx, store, "wave-model", batch([]float64{7}, []float64{70, 71}), WriteOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, storeValues(t, store, "time"))
	assert.Equal(t, []float64{70, 71}, storeValues(t, store, "hs"))
}

func TestWriteStoreNoAppendCoordOverwrites(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	err := c.writeStore(ctx, store, "wave-model", batch([]float64{9}, []float64{90, 91}), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float64{9}, storeValues(t, store, "time"))
}

func TestAppendBeyondExistingRange(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{4, 5}, []float64{40, 41, 50, 51}),
		WriteOptions{AppendCoord: "time"})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5}, storeValues(t, store, "time"))
	hs := storeValues(t, store, "hs")
	assert.Equal(t, []float64{0, 1, 10, 11, 20, 21, 30, 31}, hs[:8], "existing values untouched")
	assert.Equal(t, []float64{40, 41, 50, 51}, hs[8:])
}

func TestAppendOverlappingTail(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	// Times 2 and 3 replace the existing tail, 4 extends.
	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{2, 3, 4}, []float64{200, 201, 300, 301, 400, 401}),
		WriteOptions{AppendCoord: "time"})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3, 4}, storeValues(t, store, "time"))
	hs := storeValues(t, store, "hs")
	assert.Equal(t, []float64{0, 1, 10, 11}, hs[:4])
	assert.Equal(t, []float64{200, 201, 300, 301, 400, 401}, hs[4:])
}

func TestAppendInteriorBoundaryMismatch(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()
	before := storeValues(t, store, "hs")

	// Overlaps only index 1 but its coordinate value does not match the
	// existing value at the overlap boundary.
	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{0.5, 1.6}, []float64{50, 51, 60, 61}),
		WriteOptions{AppendCoord: "time"})
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Contains(t, we.Error(), "coordinate mismatch")
	assert.Equal(t, before, storeValues(t, store, "hs"), "failed append must not mutate the store")
}

func TestAppendInteriorValuesMismatch(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()
	beforeTime := storeValues(t, store, "time")
	beforeHs := storeValues(t, store, "hs")

	// The terminal coordinate 2 matches the existing value, but the interior
	// step 1.5 does not; accepting it would rewrite the stored coordinate.
	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{0, 1.5, 2}, []float64{1, 2, 3, 4, 5, 6}),
		WriteOptions{AppendCoord: "time"})
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Contains(t, we.Error(), "coordinate mismatch")
	assert.Equal(t, beforeTime, storeValues(t, store, "time"), "failed append must not mutate the store")
	assert.Equal(t, beforeHs, storeValues(t, store, "hs"))
}

func TestAppendInteriorBoundaryMatch(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	// Replaces index 1 only; boundary value 1 matches the existing
	// coordinate so the interior splice is allowed.
	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{1}, []float64{100, 101}),
		WriteOptions{AppendCoord: "time"})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, 3}, storeValues(t, store, "time"))
	hs := storeValues(t, store, "hs")
	assert.Equal(t, []float64{0, 1, 100, 101, 20, 21, 30, 31}, hs)
}

func TestAppendReplaceRangeTooLong(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()
	before := storeValues(t, store, "hs")

	// The new range [0, 3] covers all four existing steps but only brings
	// two, so the replacement can never be satisfied.
	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{0, 3}, []float64{1, 2, 3, 4}),
		WriteOptions{AppendCoord: "time"})
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, before, storeValues(t, store, "hs"))
}

func TestAppendCoordMissingFromExisting(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	err := c.writeStore(ctx, store, "wave-model",
		batch([]float64{4}, []float64{40, 41}),
		WriteOptions{AppendCoord: "depth"})
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Contains(t, we.Error(), `"depth" not found`)
}

func TestAppendCoordMissingFromNewData(t *testing.T) {
	ctx := context.Background()
	store := existingStore(t)
	c := bareConnector()

	ds := zarr.NewDataset()
	ds.AddVar("hs", zarr.NewVariable([]string{"time", "lat"}, []int{1, 2}, []float64{1, 2}))
	err := c.writeStore(ctx, store, "wave-model", ds, WriteOptions{AppendCoord: "time"})
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Contains(t, we.Error(), "new data does not contain")
}

func TestWriteDatasourceEndToEnd(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t)
	m.mux.HandleFunc("GET /datasource/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "wave-model", "geometry": null,
			"properties": {"name": "Wave model"}}`))
	})

	c := m.connector(t, nil)
	meta, err := c.WriteDatasource(ctx, "wave-model",
		batch([]float64{0, 1}, []float64{0, 1, 10, 11}),
		WriteOptions{AppendCoord: "time"})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "wave-model", meta.ID)

	assert.Equal(t, []float64{0, 1}, storeValues(t, m.store, "time"))
	assert.Equal(t, "true", m.lastFinalise.Load(), "successful write finalises its session")
}

func TestInferMetadata(t *testing.T) {
	ctx := context.Background()
	ds := zarr.NewDataset()
	ds.AddCoord("time", zarr.NewVariable([]string{"time"}, []int{2}, []float64{1700000000, 1700003600}))
	ds.AddCoord("longitude", zarr.NewVariable([]string{"longitude"}, []int{2}, []float64{170, 175}))
	ds.AddCoord("latitude", zarr.NewVariable([]string{"latitude"}, []int{2}, []float64{-40, -35}))
	ds.AddVar("hs", zarr.NewVariable([]string{"time", "latitude", "longitude"}, []int{2, 2, 2}, make([]float64, 8)))

	meta, err := InferMetadata(ctx, "wave-model", "Wave model", ds)
	require.NoError(t, err)
	assert.Equal(t, "time", meta.Coordinates[datasource.CoordTime])
	assert.Equal(t, "longitude", meta.Coordinates[datasource.CoordEasting])
	assert.Equal(t, "latitude", meta.Coordinates[datasource.CoordNorthing])
	require.NotNil(t, meta.TStart)
	assert.Equal(t, int64(1700000000), meta.TStart.Unix())
	require.NotNil(t, meta.Geom)
	b := meta.Geom.Geometry().Bound()
	assert.Equal(t, 170.0, b.Min[0])
	assert.Equal(t, -35.0, b.Max[1])
}
