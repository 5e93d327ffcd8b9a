package datamesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/session"
	"github.com/oceanum-io/datamesh-go/pkg/table"
	"github.com/oceanum-io/datamesh-go/pkg/transport"
	"github.com/oceanum-io/datamesh-go/pkg/zarr"
)

const (
	// maxEagerSize is the stage size estimate above which dataset results
	// switch to lazy chunked transfer.
	maxEagerSize = 1 << 30

	// rowWarnLimit triggers a warning for very large tabular results.
	rowWarnLimit = 2_000_000
)

// Accept values negotiated for eager downloads.
const (
	acceptZarr  = "application/x-zarr"
	acceptArrow = "application/vnd.apache.arrow.file"
)

// Result is one query result. Exactly one of Dataset and Table is set,
// according to Container. A lazy dataset result holds its session open;
// callers must Close it when done. Close on an eager result is a no-op.
type Result struct {
	Container query.Container

	// Dataset is set for container "dataset". It may be lazy: values are
	// fetched from the remote chunk store on access.
	Dataset *zarr.Dataset

	// Table is set for containers "dataframe" and "geodataframe".
	Table *table.Table

	closer func(context.Context) error
}

// Close releases resources held by a lazy result.
func (r *Result) Close(ctx context.Context) error {
	if r == nil || r.closer == nil {
		return nil
	}
	closer := r.closer
	r.closer = nil
	return closer(ctx)
}

// Query stages and executes a query. A nil Result with nil error means the
// service reported no matching data. Dataset results above the eager size
// limit are returned lazy, reading chunks on demand; everything else is
// fetched eagerly, served from the local cache when a fresh entry exists.
func (c *Connector) Query(ctx context.Context, q *query.Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	sess, err := session.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	res, lazy, err := c.runQuery(ctx, q, sess)
	if err != nil || res == nil {
		_ = sess.Close(ctx, false)
		return nil, err
	}
	if lazy {
		res.closer = func(cctx context.Context) error {
			return sess.Close(cctx, false)
		}
	} else {
		_ = sess.Close(ctx, false)
	}
	return res, nil
}

// LoadDatasource loads a whole datasource as a query without filters.
func (c *Connector) LoadDatasource(ctx context.Context, id string) (*Result, error) {
	return c.Query(ctx, &query.Query{Datasource: id})
}

func (c *Connector) runQuery(ctx context.Context, q *query.Query, sess *session.Session) (*Result, bool, error) {
	stage, err := c.Stage(ctx, q, sess)
	if err != nil {
		return nil, false, err
	}
	if stage == nil {
		c.log.Warn("no data matches query", "datasource", q.Datasource)
		return nil, false, nil
	}
	if !stage.Container.Valid() {
		return nil, false, fmt.Errorf("service staged unknown container kind %q", stage.Container)
	}
	if stage.Container != query.ContainerDataset && stage.DLen > rowWarnLimit {
		c.log.Warn("query result is very large, consider filtering",
			"datasource", q.Datasource, "rows", stage.DLen)
	}

	cacheable := c.cache != nil && (q.Kind == "" || q.Kind == query.KindData)
	if cacheable {
		data, err := c.cache.Get(ctx, q, stage.Container)
		if err != nil {
			c.log.Warn("cache read failed, fetching from service",
				"error", &CacheError{Op: "get", Err: err})
		} else if data != nil {
			res, err := decodeResult(ctx, stage.Container, data)
			if err == nil {
				return res, false, nil
			}
			c.log.Warn("cached entry unreadable, fetching from service",
				"error", &CacheError{Op: "decode", Err: err})
		}
	}

	if stage.Container == query.ContainerDataset && stage.Size > maxEagerSize {
		ds, err := c.openLazy(ctx, stage, sess)
		if err != nil {
			return nil, false, err
		}
		return &Result{Container: stage.Container, Dataset: ds}, true, nil
	}

	data, err := c.fetch(ctx, q, stage.Container, sess)
	if err != nil {
		return nil, false, err
	}
	res, err := decodeResult(ctx, stage.Container, data)
	if err != nil {
		return nil, false, err
	}
	if cacheable {
		if err := c.cache.Put(q, stage.Container, data); err != nil {
			c.log.Warn("failed to cache query result",
				"error", &CacheError{Op: "put", Err: err})
		}
	}
	return res, false, nil
}

// openLazy opens the staged result as a read-only remote zarr resource.
func (c *Connector) openLazy(ctx context.Context, stage *query.Stage, sess *session.Session) (*zarr.Dataset, error) {
	store := zarr.NewRemoteStore(zarr.RemoteStoreConfig{
		HTTP:     c.http,
		BaseURL:  c.cfg.Gateway + "/zarr/query/" + stage.QHash,
		Headers:  sess.AddHeaders(c.AuthHeaders()),
		ReadOnly: true,
		Legacy:   !c.SupportsSessions(),
		Timeouts: c.cfg.Timeouts,
	})
	return zarr.Open(ctx, store)
}

// fetch downloads the staged result eagerly in the container's negotiated
// transfer format.
func (c *Connector) fetch(ctx context.Context, q *query.Query, container query.Container, sess *session.Session) ([]byte, error) {
	payload, err := q.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing query: %w", err)
	}

	accept := acceptArrow
	if container == query.ContainerDataset {
		accept = acceptZarr
	}
	headers := sess.AddHeaders(c.AuthHeaders())
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", accept)

	endpoint := c.cfg.Gateway + "/oceanql/"
	resp, err := c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Body:    payload,
		Header:  headers,
		Timeout: c.cfg.Timeouts.Download,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(endpoint, resp.StatusCode, body)
	}
	return body, nil
}

func decodeResult(ctx context.Context, container query.Container, data []byte) (*Result, error) {
	switch container {
	case query.ContainerDataset:
		ds, err := zarr.ReadZip(ctx, data)
		if err != nil {
			return nil, err
		}
		return &Result{Container: container, Dataset: ds}, nil
	case query.ContainerDataFrame, query.ContainerGeoDataFrame:
		t, err := table.Decode(data)
		if err != nil {
			return nil, err
		}
		return &Result{Container: container, Table: t}, nil
	}
	return nil, errors.New("unknown result container " + string(container))
}
