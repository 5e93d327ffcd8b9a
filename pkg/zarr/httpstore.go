package zarr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/oceanum-io/datamesh-go/pkg/transport"
)

// RemoteStore is a Store backed by the gateway's zarr proxy. Keys map onto
// the URL path below the resource base, so "var/.zarray" fetches
// {base}/var/.zarray. Reads and writes carry separate timeouts since chunk
// uploads can be much slower than downloads.
type RemoteStore struct {
	http    *transport.Client
	base    string
	headers http.Header

	readOnly bool
	legacy   bool
	noCache  bool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// RemoteStoreConfig configures a RemoteStore.
type RemoteStoreConfig struct {
	// HTTP is the retried request executor. Required.
	HTTP *transport.Client

	// BaseURL is the resource root, e.g. {gateway}/zarr/{datasource} or
	// {gateway}/zarr/query/{qhash}. Required, without trailing slash.
	BaseURL string

	// Headers is sent with every request (auth and session headers).
	Headers http.Header

	// ReadOnly refuses Set, Delete and Clear with ErrReadOnly. Query-result
	// stores are always read-only.
	ReadOnly bool

	// Legacy targets a v0 gateway that does not answer HEAD; Contains falls
	// back to GET.
	Legacy bool

	// NoCache asks intermediaries not to transform or cache chunk reads.
	NoCache bool

	// Timeouts supplies the chunk read and write deadlines. Zero fields use
	// the defaults.
	Timeouts transport.Timeouts
}

// NewRemoteStore builds a store for one remote zarr resource.
func NewRemoteStore(cfg RemoteStoreConfig) *RemoteStore {
	def := transport.DefaultTimeouts()
	if cfg.Timeouts.ChunkRead == 0 {
		cfg.Timeouts.ChunkRead = def.ChunkRead
	}
	if cfg.Timeouts.ChunkWrite == 0 {
		cfg.Timeouts.ChunkWrite = def.ChunkWrite
	}
	headers := http.Header{}
	for k, vs := range cfg.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	return &RemoteStore{
		http:         cfg.HTTP,
		base:         strings.TrimSuffix(cfg.BaseURL, "/"),
		headers:      headers,
		readOnly:     cfg.ReadOnly,
		legacy:       cfg.Legacy,
		noCache:      cfg.NoCache,
		readTimeout:  cfg.Timeouts.ChunkRead,
		writeTimeout: cfg.Timeouts.ChunkWrite,
	}
}

var _ Store = (*RemoteStore)(nil)

func (s *RemoteStore) keyURL(key string) string {
	return s.base + "/" + key
}

func (s *RemoteStore) requestHeaders(read bool) http.Header {
	h := http.Header{}
	for k, vs := range s.headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if read && s.noCache {
		h.Set("Cache-Control", "no-transform,no-cache")
	}
	return h
}

// Get fetches one key. Any status of 300 or above reads as absent, matching
// the gateway contract that a missing chunk is indistinguishable from a
// missing key.
func (s *RemoteStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     s.keyURL(key),
		Header:  s.requestHeaders(true),
		Timeout: s.readTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return io.ReadAll(resp.Body)
}

// Contains probes a key with HEAD, or GET against legacy gateways.
func (s *RemoteStore) Contains(ctx context.Context, key string) (bool, error) {
	method := http.MethodHead
	if s.legacy {
		method = http.MethodGet
	}
	resp, err := s.http.Do(ctx, transport.Request{
		Method:  method,
		URL:     s.keyURL(key),
		Header:  s.requestHeaders(true),
		Timeout: s.readTimeout,
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}

// Set uploads one key.
func (s *RemoteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.readOnly {
		return fmt.Errorf("%s: %w", key, ErrReadOnly)
	}
	resp, err := s.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     s.keyURL(key),
		Body:    value,
		Header:  s.requestHeaders(false),
		Timeout: s.writeTimeout,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return &WriteError{Key: key, Status: resp.StatusCode, Detail: string(detail)}
	}
	return nil
}

// Delete removes one key.
func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	if s.readOnly {
		return fmt.Errorf("%s: %w", key, ErrReadOnly)
	}
	resp, err := s.http.Do(ctx, transport.Request{
		Method:  http.MethodDelete,
		URL:     s.keyURL(key),
		Header:  s.requestHeaders(false),
		Timeout: s.writeTimeout,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return &WriteError{Key: key, Status: resp.StatusCode, Detail: string(detail)}
	}
	return nil
}

// Keys lists the top-level entries of the resource from the gateway's HTML
// index listing.
func (s *RemoteStore) Keys(ctx context.Context) ([]string, error) {
	resp, err := s.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     s.base + "/",
		Header:  s.requestHeaders(true),
		Timeout: s.readTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("listing %s: unexpected status %d", s.base, resp.StatusCode)
	}
	keys, err := parseListing(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.base, err)
	}
	return keys, nil
}

// Clear deletes the whole resource. The gateway treats a delete of the
// resource root as removal of every key under it.
func (s *RemoteStore) Clear(ctx context.Context) error {
	return s.Delete(ctx, "")
}

// parseListing extracts entry names from an HTML directory index: the href
// of every anchor, minus parent links and query strings.
func parseListing(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing index listing: %w", err)
	}
	var keys []string
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				name := attr.Val
				if i := strings.IndexAny(name, "?#"); i >= 0 {
					name = name[:i]
				}
				name = strings.TrimSuffix(name, "/")
				if i := strings.LastIndex(name, "/"); i >= 0 {
					name = name[i+1:]
				}
				if name == "" || name == ".." || seen[name] {
					continue
				}
				seen[name] = true
				keys = append(keys, name)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return keys, nil
}
