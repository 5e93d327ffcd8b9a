package datamesh

import "fmt"

// QueryError means the service rejected the query semantically, for example
// an unknown datasource. The message is the service-supplied detail,
// verbatim.
type QueryError struct {
	Status int
	Detail string
}

func (e *QueryError) Error() string { return e.Detail }

// WriteError reports an append or overwrite consistency violation. It is
// never retried; retrying a non-idempotent partial write risks corrupting
// the remote array.
type WriteError struct {
	Datasource string
	Reason     string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %s", e.Datasource, e.Reason)
}

// CacheError wraps a local cache fault. Cache read faults are recovered by
// treating the entry as absent; cache write faults are logged and must not
// mask the successful remote operation.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
