package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(retries int) *Client {
	return NewClient(Config{
		Retries:         retries,
		BackoffBase:     time.Millisecond,
		GatewayCooldown: time.Millisecond,
		ReadTimeout:     2 * time.Second,
	})
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(8)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
}

func TestDo_ExhaustedRetriesRaisesConnectError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(3)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.Nil(t, resp)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ConnectionRefusedRaisesConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := srv.URL
	srv.Close()

	c := newTestClient(2)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: url})
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.NotNil(t, connErr.Unwrap())
}

func TestDo_NonTransientStatusReturnedWithoutRetry(t *testing.T) {
	statuses := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusInternalServerError,
	}
	for _, status := range statuses {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		c := newTestClient(8)
		resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err, "status %d must be returned, not retried", status)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load(), "status %d must not be retried", status)
		srv.Close()
	}
}

func TestDo_ParamsAndHeadersForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("duration"))
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(1)
	hdr := http.Header{}
	hdr.Set("Authorization", "token abc")
	params := map[string][]string{"duration": {"42"}}
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: hdr,
		Params: params,
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_BodyReplayedOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 4)
		n, _ := r.Body.Read(body)
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "data", string(body[:n]))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(4)
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   []byte("data"),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestTimeoutsFromEnv(t *testing.T) {
	t.Setenv("DATAMESH_READ_TIMEOUT", "2.5")
	t.Setenv("DATAMESH_WRITE_TIMEOUT", "None")
	t.Setenv("DATAMESH_CHUNK_READ_TIMEOUT", "bogus")

	tt := TimeoutsFromEnv()
	assert.Equal(t, 2500*time.Millisecond, tt.Read)
	assert.Equal(t, time.Duration(0), tt.Write)
	assert.Equal(t, DefaultTimeouts().ChunkRead, tt.ChunkRead)
	assert.Equal(t, DefaultTimeouts().Connect, tt.Connect)
}
