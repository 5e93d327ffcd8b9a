package datamesh

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/table"
	"github.com/oceanum-io/datamesh-go/pkg/zarr"
)

func waveDataset(t *testing.T) *zarr.Dataset {
	t.Helper()
	ds := zarr.NewDataset()
	ds.Attrs["title"] = "wave heights"
	ds.AddCoord("time", zarr.NewVariable([]string{"time"}, []int{3}, []float64{0, 1, 2}))
	ds.AddVar("hs", zarr.NewVariable([]string{"time"}, []int{3}, []float64{1.1, 1.2, 1.3}))
	return ds
}

func zipPayload(t *testing.T, ds *zarr.Dataset) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, zarr.WriteZip(context.Background(), &buf, ds))
	return buf.Bytes()
}

func TestQueryEagerDataset(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t)
	m.stage(t, query.Stage{QHash: "qh", Container: query.ContainerDataset, Size: 1024, DLen: 3})
	m.fetchBody = zipPayload(t, waveDataset(t))

	c := m.connector(t, nil)
	res, err := c.Query(ctx, &query.Query{Datasource: "wave-model"})
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close(ctx)

	assert.Equal(t, query.ContainerDataset, res.Container)
	require.NotNil(t, res.Dataset)
	vals, err := res.Dataset.Values(ctx, "hs")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.1, 1.2, 1.3}, vals)

	assert.Equal(t, int32(1), m.sessionsOpened.Load())
	assert.Equal(t, int32(1), m.sessionsClosed.Load(), "eager query releases its session")
}

func TestQueryEagerDataFrame(t *testing.T) {
	ctx := context.Background()
	src := table.New()
	require.NoError(t, src.AddColumn(&table.Column{
		Name: "hs", Kind: table.KindFloat, Floats: []float64{1.5, 2.5},
	}))
	payload, err := table.Encode(src)
	require.NoError(t, err)

	m := newMesh(t)
	m.stage(t, query.Stage{QHash: "qh", Container: query.ContainerDataFrame, Size: 64, DLen: 2})
	m.fetchBody = payload

	c := m.connector(t, nil)
	res, err := c.Query(ctx, &query.Query{Datasource: "wave-obs"})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Table)
	hs, ok := res.Table.Column("hs")
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 2.5}, hs.Floats)
}

func TestQueryNoData(t *testing.T) {
	m := newMesh(t)
	m.stageStatus = http.StatusNoContent

	c := m.connector(t, nil)
	res, err := c.Query(context.Background(), &query.Query{Datasource: "wave-model"})
	require.NoError(t, err)
	assert.Nil(t, res, "204 from staging is no data, not an error")
	assert.Equal(t, m.sessionsOpened.Load(), m.sessionsClosed.Load())
}

func TestQueryErrorCarriesDetailVerbatim(t *testing.T) {
	m := newMesh(t)
	m.stageStatus = http.StatusNotFound
	m.stageBody = []byte(`{"detail":"Datasource wave-model not found"}`)

	c := m.connector(t, nil)
	_, err := c.Query(context.Background(), &query.Query{Datasource: "wave-model"})
	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "Datasource wave-model not found", qe.Error())
	assert.Equal(t, http.StatusNotFound, qe.Status)
	assert.Equal(t, m.sessionsOpened.Load(), m.sessionsClosed.Load(), "session released on error path")
}

func TestQueryServedFromCache(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t)
	m.stage(t, query.Stage{QHash: "qh", Container: query.ContainerDataset, Size: 1024, DLen: 3})
	m.fetchBody = zipPayload(t, waveDataset(t))

	c := m.connector(t, func(cfg *Config) { cfg.CacheDir = t.TempDir() })
	q := &query.Query{Datasource: "wave-model"}

	first, err := c.Query(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.Query(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, int32(1), m.fetchCalls.Load(), "second query must hit the cache")
	vals, err := second.Dataset.Values(ctx, "hs")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.1, 1.2, 1.3}, vals)
}

func TestQueryLazyDataset(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t)
	require.NoError(t, zarr.Write(ctx, m.store, waveDataset(t)))
	m.stage(t, query.Stage{QHash: "qh", Container: query.ContainerDataset, Size: 2 << 30, DLen: 3})

	c := m.connector(t, nil)
	res, err := c.Query(ctx, &query.Query{Datasource: "wave-model"})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, int32(0), m.fetchCalls.Load(), "lazy results never download eagerly")
	assert.Equal(t, int32(0), m.sessionsClosed.Load(), "lazy result keeps its session open")

	vals, err := res.Dataset.Values(ctx, "hs")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.1, 1.2, 1.3}, vals)

	require.NoError(t, res.Close(ctx))
	assert.Equal(t, int32(1), m.sessionsClosed.Load())
	assert.NoError(t, res.Close(ctx), "double close is a no-op")
}

func TestQueryInvalid(t *testing.T) {
	m := newMesh(t)
	c := m.connector(t, nil)
	_, err := c.Query(context.Background(), &query.Query{})
	require.Error(t, err)
	assert.Equal(t, int32(0), m.sessionsOpened.Load())
}
