package datamesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oceanum-io/datamesh-go/pkg/datasource"
	"github.com/oceanum-io/datamesh-go/pkg/session"
	"github.com/oceanum-io/datamesh-go/pkg/zarr"
)

// WriteOptions controls WriteDatasource.
type WriteOptions struct {
	// AppendCoord is the one-dimensional coordinate along which new data
	// extends or overwrites the existing array. Empty means a full
	// overwrite. The existing coordinate values must be monotonically
	// ascending; behaviour for unsorted coordinates is undefined.
	AppendCoord string

	// Overwrite discards the existing remote data first.
	Overwrite bool
}

// WriteDatasource writes ds to the remote datasource id and returns the
// refreshed metadata snapshot.
//
// With an append coordinate, data overlapping the existing coordinate range
// replaces the overlapped region and anything beyond it extends the array.
// An interior replacement that does not reach the current tail must match
// the existing coordinate values exactly over the whole overlapped range; a
// mismatch is a WriteError and leaves the remote array untouched, since
// accepting it would silently rewrite coordinate values. The remote array
// never shrinks.
func (c *Connector) WriteDatasource(ctx context.Context, id string, ds *zarr.Dataset, opts WriteOptions) (*datasource.Datasource, error) {
	if err := datasource.ValidateID(id); err != nil {
		return nil, err
	}

	err := session.With(ctx, c, true, func(sess *session.Session) error {
		store := zarr.NewRemoteStore(zarr.RemoteStoreConfig{
			HTTP:     c.http,
			BaseURL:  c.cfg.Gateway + "/zarr/" + id,
			Headers:  sess.AddHeaders(c.AuthHeaders()),
			Legacy:   !c.SupportsSessions(),
			Timeouts: c.cfg.Timeouts,
		})
		return c.writeStore(ctx, store, id, ds, opts)
	})
	if err != nil {
		return nil, err
	}

	meta, err := c.GetDatasource(ctx, id)
	if err != nil {
		var qe *QueryError
		if errors.As(err, &qe) && qe.Status == 404 {
			// Data landed but the metadata record is not registered yet.
			c.log.Warn("datasource written but metadata not yet registered", "datasource", id)
			return nil, nil
		}
		return nil, err
	}
	return meta, nil
}

func (c *Connector) writeStore(ctx context.Context, store zarr.Store, id string, ds *zarr.Dataset, opts WriteOptions) error {
	existing, err := zarr.Open(ctx, store)
	if err != nil {
		if !errors.Is(err, zarr.ErrKeyNotFound) {
			return err
		}
		existing = nil
	}

	if opts.Overwrite || opts.AppendCoord == "" || existing == nil {
		if existing != nil {
			if err := store.Clear(ctx); err != nil {
				return err
			}
		}
		return zarr.Write(ctx, store, ds)
	}
	return c.appendStore(ctx, store, existing, id, ds, opts.AppendCoord)
}

// appendStore implements the overlap-aware append. All consistency checks
// run before the first remote mutation.
func (c *Connector) appendStore(ctx context.Context, store zarr.Store, existing *zarr.Dataset, id string, ds *zarr.Dataset, coord string) error {
	coordVar, ok := existing.Var(coord)
	if !ok || !existing.IsCoord(coord) {
		return &WriteError{Datasource: id,
			Reason: fmt.Sprintf("append coordinate %q not found in existing datasource", coord)}
	}
	if len(coordVar.Dims) != 1 {
		return &WriteError{Datasource: id,
			Reason: fmt.Sprintf("append coordinate %q has %d dimensions, must be one-dimensional", coord, len(coordVar.Dims))}
	}
	dim := coordVar.Dims[0]

	newCoord, ok := ds.Var(coord)
	if !ok {
		return &WriteError{Datasource: id,
			Reason: fmt.Sprintf("new data does not contain append coordinate %q", coord)}
	}
	if len(newCoord.Dims) != 1 || newCoord.Dims[0] != dim {
		return &WriteError{Datasource: id,
			Reason: fmt.Sprintf("append coordinate %q must vary along dimension %q only", coord, dim)}
	}
	cnew := newCoord.Data()
	if len(cnew) == 0 {
		return &WriteError{Datasource: id, Reason: "new data has an empty append coordinate"}
	}

	cexist, err := existing.Values(ctx, coord)
	if err != nil {
		return fmt.Errorf("reading existing append coordinate: %w", err)
	}

	// Half-open index range of existing values inside [cnew[0], cnew[last]].
	last := cnew[len(cnew)-1]
	start := sort.SearchFloat64s(cexist, cnew[0])
	end := sort.Search(len(cexist), func(i int) bool { return cexist[i] > last })
	replaceLen := end - start

	if replaceLen > 0 {
		if replaceLen > len(cnew) {
			return &WriteError{Datasource: id,
				Reason: fmt.Sprintf("existing data overlaps %d steps of the append coordinate but the new data only has %d", replaceLen, len(cnew))}
		}
		if end < len(cexist) {
			// An interior splice must not rewrite existing coordinate
			// values: every replaced step has to match exactly.
			for i, v := range cnew[:replaceLen] {
				if v != cexist[start+i] {
					return &WriteError{Datasource: id,
						Reason: fmt.Sprintf("append coordinate mismatch in overlapped region: new %v, existing %v at step %d", v, cexist[start+i], start+i)}
				}
			}
		}
		slice, err := ds.Isel(dim, 0, replaceLen)
		if err != nil {
			return &WriteError{Datasource: id, Reason: err.Error()}
		}
		if err := zarr.WriteRegion(ctx, store, slice, dim, start); err != nil {
			return err
		}
	}

	if len(cnew) > replaceLen {
		tail, err := ds.Isel(dim, replaceLen, len(cnew))
		if err != nil {
			return &WriteError{Datasource: id, Reason: err.Error()}
		}
		if err := zarr.Append(ctx, store, tail, dim); err != nil {
			return err
		}
	}
	return nil
}

// InferMetadata builds a summary metadata record for written data: bounds
// from x/y coordinates, time extent from the t coordinate and a guessed
// coordinate-role mapping. Used when registering a new datasource.
func InferMetadata(ctx context.Context, id, name string, ds *zarr.Dataset) (*datasource.Datasource, error) {
	if err := datasource.ValidateID(id); err != nil {
		return nil, err
	}
	meta := &datasource.Datasource{ID: id, Name: name, Driver: "datamesh"}

	var coordNames []string
	for _, n := range ds.VarNames() {
		if ds.IsCoord(n) {
			coordNames = append(coordNames, n)
		}
	}
	meta.Coordinates = datasource.GuessCoordinates(coordNames)

	// Time coordinate values are epoch seconds by datamesh convention.
	if tName, ok := meta.Coordinates[datasource.CoordTime]; ok {
		vals, err := ds.Values(ctx, tName)
		if err != nil {
			return nil, err
		}
		if len(vals) > 0 {
			tstart := time.Unix(int64(vals[0]), 0).UTC()
			tend := time.Unix(int64(vals[len(vals)-1]), 0).UTC()
			meta.TStart = &tstart
			meta.TEnd = &tend
		}
	}

	xName, hasX := meta.Coordinates[datasource.CoordEasting]
	yName, hasY := meta.Coordinates[datasource.CoordNorthing]
	if hasX && hasY {
		xs, err := ds.Values(ctx, xName)
		if err != nil {
			return nil, err
		}
		ys, err := ds.Values(ctx, yName)
		if err != nil {
			return nil, err
		}
		if b, ok := bound(xs, ys); ok {
			meta.Geom = geojson.NewGeometry(b.ToPolygon())
		}
	}
	return meta, nil
}

func bound(xs, ys []float64) (orb.Bound, bool) {
	if len(xs) == 0 || len(ys) == 0 {
		return orb.Bound{}, false
	}
	x0, x1 := minMax(xs)
	y0, y1 := minMax(ys)
	return orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x1, y1}}, true
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
