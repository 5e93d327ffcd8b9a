// Package transport provides the retried HTTP request executor used by every
// datamesh client component. All network calls go through Client.Do, which
// applies bounded exponential backoff on connection-level failures and treats
// a 502 from the gateway as transient.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultRetries is the total number of attempts made before giving up.
	DefaultRetries = 8

	// DefaultBackoffBase is the initial backoff interval. Attempt n sleeps
	// base * 2^n.
	DefaultBackoffBase = 100 * time.Millisecond

	// DefaultGatewayCooldown is how long to wait after a 502 before the
	// request is retried.
	DefaultGatewayCooldown = 30 * time.Second
)

// Request describes a single HTTP exchange with a datamesh service.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	Params url.Values

	// Timeout bounds reading the response for this request. Zero uses the
	// client's default read timeout.
	Timeout time.Duration
}

// ConnectError reports that a datamesh service could not be reached after the
// configured number of attempts. It carries the last underlying cause.
type ConnectError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config configures a Client. The zero value uses the documented defaults.
type Config struct {
	// Retries is the total number of attempts per request.
	Retries int

	// ConnectTimeout bounds establishing a connection.
	ConnectTimeout time.Duration

	// ReadTimeout is the default response timeout when a Request does not
	// set its own.
	ReadTimeout time.Duration

	// BackoffBase is the initial backoff interval.
	BackoffBase time.Duration

	// GatewayCooldown is the fixed sleep applied after a 502 response.
	GatewayCooldown time.Duration

	// Insecure disables TLS certificate verification.
	Insecure bool
}

// Client executes requests with bounded exponential backoff. Connection
// failures, timeouts and 502 responses are retried; every other status code
// is returned to the caller uninterpreted.
type Client struct {
	httpClient      *http.Client
	retries         int
	readTimeout     time.Duration
	backoffBase     time.Duration
	gatewayCooldown time.Duration
}

// NewClient creates a Client from cfg, filling in defaults for zero fields.
func NewClient(cfg Config) *Client {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultTimeouts().Connect
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultTimeouts().Read
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.GatewayCooldown <= 0 {
		cfg.GatewayCooldown = DefaultGatewayCooldown
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		Proxy: http.ProxyFromEnvironment,
	}
	if cfg.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via Config.Insecure
	}

	return &Client{
		httpClient:      &http.Client{Transport: tr},
		retries:         cfg.Retries,
		readTimeout:     cfg.ReadTimeout,
		backoffBase:     cfg.BackoffBase,
		gatewayCooldown: cfg.GatewayCooldown,
	}
}

// errBadGateway marks a 502 response so the retry loop treats it like a
// connection failure after the cooldown.
type errBadGateway struct {
	body string
}

func (e *errBadGateway) Error() string {
	return "bad gateway: " + e.body
}

// Do executes req, retrying transient failures. The response body is fully
// read and replaced with an in-memory reader, so callers need not worry about
// closing it across retries. Statuses other than 502 are never interpreted
// here; a 404 or 500 is a successful Do.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	reqURL := req.URL
	if len(req.Params) > 0 {
		sep := "?"
		if u, err := url.Parse(req.URL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		reqURL = req.URL + sep + req.Params.Encode()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.readTimeout
	}

	var resp *http.Response
	attempt := func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, reqURL, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		r, err := c.httpClient.Do(httpReq) //nolint:bodyclose // body is drained and replaced below
		if err != nil {
			return err
		}
		payload, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusBadGateway {
			// The gateway recovers slowly; wait out the cooldown before
			// the bounded retry loop has another go.
			select {
			case <-time.After(c.gatewayCooldown):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return &errBadGateway{body: string(payload)}
		}
		r.Body = io.NopCloser(bytes.NewReader(payload))
		resp = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 1 << 20 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries-1)), ctx))
	if err != nil {
		return nil, &ConnectError{URL: req.URL, Attempts: c.retries, Err: err}
	}
	return resp, nil
}
