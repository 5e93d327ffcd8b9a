package zarr

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
)

// WriteZip serializes the dataset as a zip archive of its zarr keys, the
// eager transfer format for gridded query results. Entries are written in
// sorted key order so equal datasets produce equal archives.
func WriteZip(ctx context.Context, w io.Writer, ds *Dataset) error {
	mem := NewMemStore()
	if err := Write(ctx, mem, ds); err != nil {
		return err
	}

	keys := make([]string, 0, len(mem.data))
	for key := range mem.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	zw := zip.NewWriter(w)
	for _, key := range keys {
		f, err := zw.Create(key)
		if err != nil {
			return fmt.Errorf("creating zip entry %s: %w", key, err)
		}
		if _, err := f.Write(mem.data[key]); err != nil {
			return fmt.Errorf("writing zip entry %s: %w", key, err)
		}
	}
	return zw.Close()
}

// ReadZip opens a dataset from a zip archive of zarr keys and loads all
// values.
func ReadZip(ctx context.Context, data []byte) (*Dataset, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zarr archive: %w", err)
	}
	mem := NewMemStore()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		payload, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading zip entry %s: %w", f.Name, err)
		}
		if err := mem.Set(ctx, f.Name, payload); err != nil {
			return nil, err
		}
	}
	ds, err := Open(ctx, mem)
	if err != nil {
		return nil, err
	}
	if err := ds.LoadAll(ctx); err != nil {
		return nil, err
	}
	return ds, nil
}
