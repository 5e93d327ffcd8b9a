// Package datamesh is the composition root of the client: it wires the
// retried transport, session negotiation, query staging, the remote chunk
// store and the local result cache into catalog search, datasource load,
// ad-hoc query execution and the overlap-aware append writer.
package datamesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/oceanum-io/datamesh-go/pkg/cache"
	"github.com/oceanum-io/datamesh-go/pkg/datasource"
	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/session"
	"github.com/oceanum-io/datamesh-go/pkg/transport"
)

// Connector is the datamesh client entry point. It is safe for concurrent
// use; every logical operation acquires its own session.
type Connector struct {
	cfg   Config
	http  *transport.Client
	cache *cache.Cache
	auth  http.Header
	log   *slog.Logger

	probeOnce sync.Once
	sessions  bool
}

// NewConnector builds a connector from cfg. A token is required.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.Token == "" {
		return nil, errors.New("datamesh token required")
	}
	cfg = cfg.withDefaults()

	c := &Connector{
		cfg: cfg,
		http: transport.NewClient(transport.Config{
			Retries:        cfg.Retries,
			ConnectTimeout: cfg.Timeouts.Connect,
			ReadTimeout:    cfg.Timeouts.Read,
			Insecure:       cfg.Insecure,
		}),
		auth: authHeaders(cfg.Token),
		log:  cfg.Logger,
	}

	if cfg.CacheDir != "" {
		rc, err := cache.New(cache.Config{
			Dir:         cfg.CacheDir,
			TTL:         cfg.CacheTTL,
			LockTimeout: cfg.CacheLockTimeout,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		c.cache = rc
	}
	return c, nil
}

// GatewayURL returns the data gateway base URL.
func (c *Connector) GatewayURL() string { return c.cfg.Gateway }

// ServiceURL returns the metadata service base URL.
func (c *Connector) ServiceURL() string { return c.cfg.Service }

// AuthHeaders returns a copy of the connector's auth headers.
func (c *Connector) AuthHeaders() http.Header {
	h := http.Header{}
	for k, vs := range c.auth {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}

// SessionDuration is the requested session length.
func (c *Connector) SessionDuration() time.Duration { return c.cfg.SessionDuration }

// HTTP returns the retried request executor.
func (c *Connector) HTTP() *transport.Client { return c.http }

// Logger returns the connector logger.
func (c *Connector) Logger() *slog.Logger { return c.log }

// SupportsSessions reports whether the gateway negotiates sessions. Unless
// configured as legacy, the gateway is probed once with a HEAD request; a
// 404 marks a v0 gateway.
func (c *Connector) SupportsSessions() bool {
	if c.cfg.Legacy {
		return false
	}
	c.probeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Read)
		defer cancel()
		resp, err := c.http.Do(ctx, transport.Request{
			Method: http.MethodHead,
			URL:    c.cfg.Gateway + "/session/",
			Header: c.AuthHeaders(),
		})
		if err != nil {
			// Unreachable gateways fail loudly later; assume modern.
			c.sessions = true
			return
		}
		defer resp.Body.Close()
		c.sessions = resp.StatusCode != http.StatusNotFound
	})
	return c.sessions
}

var _ session.Conn = (*Connector)(nil)

// Status reports whether the metadata service is reachable and the token is
// accepted.
func (c *Connector) Status(ctx context.Context) bool {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.cfg.Service,
		Header: c.AuthHeaders(),
	})
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CatalogFilter narrows a catalog search.
type CatalogFilter struct {
	// Search matches against datasource names, descriptions and tags.
	Search string

	// TimeFilter is an optional [start, end] pair restricting results to
	// datasources whose time extent intersects the range.
	TimeFilter []query.TimeValue

	// Geom restricts results to datasources whose extent intersects the
	// geometry, sent as WKT.
	Geom orb.Geometry

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Catalog is one page of catalog search results: summary metadata
// snapshots, keyed by datasource id.
type Catalog struct {
	Datasources []*datasource.Datasource
}

// Len returns the number of datasources in the catalog.
func (c *Catalog) Len() int { return len(c.Datasources) }

// IDs lists the datasource ids in result order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.Datasources))
	for i, ds := range c.Datasources {
		ids[i] = ds.ID
	}
	return ids
}

// Get returns the datasource with the given id.
func (c *Catalog) Get(id string) (*datasource.Datasource, bool) {
	for _, ds := range c.Datasources {
		if ds.ID == id {
			return ds, true
		}
	}
	return nil, false
}

type featureCollection struct {
	Features []datasource.Feature `json:"features"`
}

// Catalog searches the datasource catalog. Results are summary snapshots;
// load one with GetDatasource for schema detail.
func (c *Connector) Catalog(ctx context.Context, filter CatalogFilter) (*Catalog, error) {
	params := url.Values{}
	if filter.Search != "" {
		params.Set("search", filter.Search)
	}
	if len(filter.TimeFilter) > 0 {
		params.Set("tstart", string(filter.TimeFilter[0]))
		if len(filter.TimeFilter) > 1 {
			params.Set("tend", string(filter.TimeFilter[1]))
		}
	}
	if filter.Geom != nil {
		params.Set("geom_intersects", wkt.MarshalString(filter.Geom))
	}
	if filter.Limit > 0 {
		params.Set("limit", fmt.Sprint(filter.Limit))
	}

	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.cfg.Service + "/datasource/",
		Header: c.AuthHeaders(),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(c.cfg.Service+"/datasource/", resp.StatusCode, body)
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("parsing catalog response: %w", err)
	}
	cat := &Catalog{}
	for _, f := range fc.Features {
		ds, err := datasource.FromFeature(f, datasource.MetaSummary)
		if err != nil {
			return nil, err
		}
		cat.Datasources = append(cat.Datasources, ds)
	}
	return cat, nil
}

// GetDatasource fetches the full metadata snapshot of one datasource.
func (c *Connector) GetDatasource(ctx context.Context, id string) (*datasource.Datasource, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.cfg.Service + "/datasource/" + id,
		Header: c.AuthHeaders(),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &QueryError{Status: resp.StatusCode, Detail: fmt.Sprintf("datasource %s not found", id)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &QueryError{Status: resp.StatusCode, Detail: fmt.Sprintf("not authorized to access datasource %s", id)}
	default:
		return nil, statusError(c.cfg.Service+"/datasource/"+id, resp.StatusCode, body)
	}

	var f datasource.Feature
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("parsing datasource response: %w", err)
	}
	return datasource.FromFeature(f, datasource.MetaDetailed)
}

// UpdateMetadata registers or updates a datasource's metadata record: POST
// for a new datasource, PATCH when it already exists.
func (c *Connector) UpdateMetadata(ctx context.Context, ds *datasource.Datasource, exists bool) error {
	if err := datasource.ValidateID(ds.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("serializing datasource metadata: %w", err)
	}

	method := http.MethodPost
	endpoint := c.cfg.Service + "/datasource/"
	if exists {
		method = http.MethodPatch
		endpoint += ds.ID
	}
	headers := c.AuthHeaders()
	headers.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, transport.Request{
		Method: method,
		URL:    endpoint,
		Body:   payload,
		Header: headers,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return statusError(endpoint, resp.StatusCode, body)
	}
	return nil
}

// DeleteDatasource removes a datasource and its data.
func (c *Connector) DeleteDatasource(ctx context.Context, id string) error {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		URL:    c.cfg.Gateway + "/data/" + id,
		Header: c.AuthHeaders(),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return statusError(c.cfg.Gateway+"/data/"+id, resp.StatusCode, body)
	}
	return nil
}

// statusError maps an unexpected response onto the error taxonomy: a
// server-supplied detail becomes a QueryError, anything else a ConnectError
// with the raw body.
func statusError(url string, status int, body []byte) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return &QueryError{Status: status, Detail: payload.Detail}
	}
	return &transport.ConnectError{
		URL:      url,
		Attempts: 1,
		Err:      fmt.Errorf("unexpected status %d: %s", status, string(body)),
	}
}
