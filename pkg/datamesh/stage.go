package datamesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/oceanum-io/datamesh-go/pkg/query"
	"github.com/oceanum-io/datamesh-go/pkg/session"
	"github.com/oceanum-io/datamesh-go/pkg/transport"
)

// Stage submits a query for staging: the service computes what the query
// would return (container kind, size estimate, qhash) without transferring
// data. A nil Stage with a nil error means no data matches the query; that
// is a warning condition, not an error.
func (c *Connector) Stage(ctx context.Context, q *query.Query, sess *session.Session) (*query.Stage, error) {
	payload, err := q.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing query: %w", err)
	}

	headers := sess.AddHeaders(c.AuthHeaders())
	headers.Set("Content-Type", "application/json")

	endpoint := c.cfg.Gateway + "/oceanql/stage/"
	resp, err := c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Body:    payload,
		Header:  headers,
		Timeout: c.cfg.Timeouts.Stage,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 400:
		return nil, statusError(endpoint, resp.StatusCode, body)
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	}

	var stage query.Stage
	if err := json.Unmarshal(body, &stage); err != nil {
		return nil, fmt.Errorf("parsing stage response: %w", err)
	}
	return &stage, nil
}
