// Package session manages short-lived datamesh access sessions. Every staged
// query and chunk-store conversation is tied to one session, acquired for
// exactly one logical operation and released on every exit path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oceanum-io/datamesh-go/pkg/transport"
)

// HeaderSessionID carries the session id on every in-session request.
const HeaderSessionID = "X-DATAMESH-SESSIONID"

// DefaultDuration is the session length requested when the connection does
// not ask for one.
const DefaultDuration = time.Hour

// Conn is the narrow view of a datamesh connection that session negotiation
// needs.
type Conn interface {
	// GatewayURL returns the gateway base URL, without a trailing slash.
	GatewayURL() string

	// AuthHeaders returns a copy of the connection's auth headers.
	AuthHeaders() http.Header

	// SessionDuration is the requested session length; zero means the
	// service default.
	SessionDuration() time.Duration

	// SupportsSessions reports whether the service negotiates sessions.
	// When false, sessions are synthesized locally and never contacted.
	SupportsSessions() bool

	// HTTP returns the retried request executor.
	HTTP() *transport.Client

	// Logger returns the connection logger.
	Logger() *slog.Logger
}

// Error reports a session negotiation or teardown failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Session is a capability token scoping one logical sequence of requests.
type Session struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	CreationTime time.Time `json:"creation_time"`
	EndTime      time.Time `json:"end_time"`
	Write        bool      `json:"write"`
	Verified     bool      `json:"verified"`

	conn   Conn
	dummy  bool
	closed atomic.Bool
}

// Acquire obtains a session from the connection. In legacy mode (the service
// does not negotiate sessions) a local dummy session is synthesized; it is
// never sent to the service and closing it is a no-op.
func Acquire(ctx context.Context, conn Conn) (*Session, error) {
	if !conn.SupportsSessions() {
		duration := conn.SessionDuration()
		if duration <= 0 {
			duration = DefaultDuration
		}
		now := time.Now()
		return &Session{
			ID:           "dummy-" + uuid.NewString(),
			User:         "dummy-user",
			CreationTime: now,
			EndTime:      now.Add(duration),
			conn:         conn,
			dummy:        true,
		}, nil
	}

	headers := conn.AuthHeaders()
	headers.Set("Cache-Control", "no-store")
	params := url.Values{}
	if d := conn.SessionDuration(); d > 0 {
		params.Set("duration", strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
	}

	resp, err := conn.HTTP().Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    conn.GatewayURL() + "/session/",
		Header: headers,
		Params: params,
	})
	if err != nil {
		return nil, &Error{Op: "acquire", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "acquire", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "acquire", Err: fmt.Errorf("failed to create session: %s", string(body))}
	}

	sess := &Session{conn: conn}
	if err := json.Unmarshal(body, sess); err != nil {
		return nil, &Error{Op: "acquire", Err: fmt.Errorf("parsing session response: %w", err)}
	}
	return sess, nil
}

// FromID re-attaches to an existing session by id. Not available in legacy
// mode.
func FromID(ctx context.Context, conn Conn, id string) (*Session, error) {
	if !conn.SupportsSessions() {
		return nil, &Error{Op: "from-id", Err: fmt.Errorf("service does not support session negotiation")}
	}
	resp, err := conn.HTTP().Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    conn.GatewayURL() + "/session/" + id,
		Header: conn.AuthHeaders(),
	})
	if err != nil {
		return nil, &Error{Op: "from-id", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "from-id", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "from-id", Err: fmt.Errorf("failed to retrieve session %s: %s", id, string(body))}
	}
	sess := &Session{conn: conn}
	if err := json.Unmarshal(body, sess); err != nil {
		return nil, &Error{Op: "from-id", Err: fmt.Errorf("parsing session response: %w", err)}
	}
	return sess, nil
}

// Header returns the session header map.
func (s *Session) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderSessionID, s.ID)
	return h
}

// AddHeaders overlays the session id onto h and returns h.
func (s *Session) AddHeaders(h http.Header) http.Header {
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderSessionID, s.ID)
	return h
}

// Close releases the session. It is idempotent. In legacy mode it is a
// no-op. A teardown failure is fatal only when finaliseWrite is set, because
// the caller's write is then not guaranteed durable; otherwise it is logged
// and left for server-side expiry to reclaim.
func (s *Session) Close(ctx context.Context, finaliseWrite bool) error {
	if s.dummy || !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	params := url.Values{}
	params.Set("finalise_write", strconv.FormatBool(finaliseWrite))
	resp, err := s.conn.HTTP().Do(ctx, transport.Request{
		Method: http.MethodDelete,
		URL:    s.conn.GatewayURL() + "/session/" + s.ID,
		Header: s.Header(),
		Params: params,
	})
	var detail string
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		body, _ := io.ReadAll(resp.Body)
		detail = string(body)
	} else {
		detail = err.Error()
	}

	if finaliseWrite {
		return &Error{Op: "close", Err: fmt.Errorf("failed to finalise write: %s", detail)}
	}
	s.conn.Logger().Warn("failed to close session, leaving it to expire",
		"session_id", s.ID, "detail", detail)
	return nil
}

// With acquires a session, runs fn with it and guarantees release on every
// exit path. On success the session is closed with finalise_write=write; if
// fn fails the session is closed without finalising and fn's error is
// returned.
func With(ctx context.Context, conn Conn, write bool, fn func(*Session) error) error {
	sess, err := Acquire(ctx, conn)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		_ = sess.Close(ctx, false)
		return err
	}
	return sess.Close(ctx, write)
}
