package datamesh

import (
	"context"

	"github.com/oceanum-io/datamesh-go/pkg/datasource"
	"github.com/oceanum-io/datamesh-go/pkg/query"
)

// Future is the result of an asynchronous operation. The underlying call
// keeps its blocking semantics; only the call boundary is dispatched onto a
// goroutine. Abandoning a future leaves the call to run to completion.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Wait blocks until the operation finishes or ctx is cancelled. Cancelling
// the wait does not cancel the underlying call.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the operation has finished.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// QueryAsync runs Query on a background goroutine.
func (c *Connector) QueryAsync(ctx context.Context, q *query.Query) *Future[*Result] {
	return newFuture(func() (*Result, error) { return c.Query(ctx, q) })
}

// CatalogAsync runs Catalog on a background goroutine.
func (c *Connector) CatalogAsync(ctx context.Context, filter CatalogFilter) *Future[*Catalog] {
	return newFuture(func() (*Catalog, error) { return c.Catalog(ctx, filter) })
}

// LoadDatasourceAsync runs LoadDatasource on a background goroutine.
func (c *Connector) LoadDatasourceAsync(ctx context.Context, id string) *Future[*Result] {
	return newFuture(func() (*Result, error) { return c.LoadDatasource(ctx, id) })
}

// GetDatasourceAsync runs GetDatasource on a background goroutine.
func (c *Connector) GetDatasourceAsync(ctx context.Context, id string) *Future[*datasource.Datasource] {
	return newFuture(func() (*datasource.Datasource, error) { return c.GetDatasource(ctx, id) })
}
