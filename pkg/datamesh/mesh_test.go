package datamesh

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/zarr"
)

// mesh is a fake datamesh service and gateway on one httptest server: session
// negotiation, query staging and download, and a zarr proxy backed by an
// in-memory store shared by all resources.
type mesh struct {
	mux *http.ServeMux
	srv *httptest.Server

	store *zarr.MemStore

	stageStatus int
	stageBody   []byte
	fetchBody   []byte

	fetchCalls     atomic.Int32
	sessionsOpened atomic.Int32
	sessionsClosed atomic.Int32

	lastFinalise atomic.Value // string
}

func newMesh(t *testing.T) *mesh {
	t.Helper()
	m := &mesh{
		mux:         http.NewServeMux(),
		store:       zarr.NewMemStore(),
		stageStatus: http.StatusOK,
	}

	m.mux.HandleFunc("HEAD /session/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.mux.HandleFunc("GET /session/", func(w http.ResponseWriter, r *http.Request) {
		m.sessionsOpened.Add(1)
		now := time.Now().UTC()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "sess-1",
			"user":          "tester",
			"creation_time": now,
			"end_time":      now.Add(time.Hour),
			"write":         false,
			"verified":      true,
		})
	})
	m.mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		m.sessionsClosed.Add(1)
		m.lastFinalise.Store(r.URL.Query().Get("finalise_write"))
		w.WriteHeader(http.StatusNoContent)
	})

	m.mux.HandleFunc("POST /oceanql/stage/", func(w http.ResponseWriter, r *http.Request) {
		if m.stageStatus == http.StatusNoContent {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(m.stageStatus)
		_, _ = w.Write(m.stageBody)
	})
	m.mux.HandleFunc("POST /oceanql/", func(w http.ResponseWriter, r *http.Request) {
		m.fetchCalls.Add(1)
		_, _ = w.Write(m.fetchBody)
	})

	m.mux.HandleFunc("/zarr/", m.handleZarr)

	m.srv = httptest.NewServer(m.mux)
	t.Cleanup(m.srv.Close)
	return m
}

// handleZarr proxies /zarr/{resource}/{key...} (and /zarr/query/{qhash}/...)
// onto the shared in-memory store.
func (m *mesh) handleZarr(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/zarr/")
	if rest, ok := strings.CutPrefix(path, "query/"); ok {
		path = rest
	}
	_, key, _ := strings.Cut(path, "/")

	ctx := context.Background()
	switch r.Method {
	case http.MethodGet:
		data, err := m.store.Get(ctx, key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	case http.MethodHead:
		ok, _ := m.store.Contains(ctx, key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPost, http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		_ = m.store.Set(ctx, key, body)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if key == "" {
			_ = m.store.Clear(ctx)
		} else {
			_ = m.store.Delete(ctx, key)
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mesh) stage(t *testing.T, s query.Stage) {
	t.Helper()
	body, err := json.Marshal(s)
	require.NoError(t, err)
	m.stageStatus = http.StatusOK
	m.stageBody = body
}

func (m *mesh) connector(t *testing.T, mod func(*Config)) *Connector {
	t.Helper()
	cfg := Config{
		Service: m.srv.URL,
		Gateway: m.srv.URL,
		Token:   "t0ken",
		Retries: 1,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mod != nil {
		mod(&cfg)
	}
	c, err := NewConnector(cfg)
	require.NoError(t, err)
	return c
}
