// Package cache persists query results on local disk, keyed by the content
// hash of the canonical query serialization. Concurrent processes coordinate
// through advisory lock files whose modification time bounds how long a lock
// is honoured, so a crashed writer cannot wedge the cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oceanum-io/datamesh-go/pkg/query"
)

const (
	// DefaultTTL is how long a cached result is served before it is
	// considered stale and removed.
	DefaultTTL = time.Hour

	// DefaultLockTimeout bounds both how long a lock file is honoured and
	// how long a reader waits on a locked entry.
	DefaultLockTimeout = 10 * time.Second

	// lockPollInterval is how often a waiting reader rechecks the lock.
	lockPollInterval = 100 * time.Millisecond
)

// Config configures a Cache. Zero fields use the documented defaults.
type Config struct {
	// Dir is the cache directory, created if absent. Defaults to
	// "datamesh" under the user cache directory.
	Dir string

	// TTL is the result staleness cutoff.
	TTL time.Duration

	// LockTimeout bounds lock validity and reader waits.
	LockTimeout time.Duration

	Logger *slog.Logger
}

// Cache is a local result cache. Safe for concurrent use across processes
// via advisory lock files.
type Cache struct {
	dir         string
	ttl         time.Duration
	lockTimeout time.Duration
	log         *slog.Logger
}

// New creates the cache, making its directory when needed.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache directory: %w", err)
		}
		cfg.Dir = filepath.Join(base, "datamesh")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{
		dir:         cfg.Dir,
		ttl:         cfg.TTL,
		lockTimeout: cfg.LockTimeout,
		log:         cfg.Logger,
	}, nil
}

// Ext returns the file extension used for a container kind.
func Ext(c query.Container) (string, error) {
	switch c {
	case query.ContainerDataset:
		return ".zarr.zip", nil
	case query.ContainerGeoDataFrame:
		return ".gpq", nil
	case query.ContainerDataFrame:
		return ".pq", nil
	}
	return "", fmt.Errorf("unknown container kind %q", c)
}

// Path returns where a query's result is (or would be) cached.
func (c *Cache) Path(q *query.Query, container query.Container) (string, error) {
	ext, err := Ext(container)
	if err != nil {
		return "", err
	}
	hash, err := q.Hash()
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, hash+ext), nil
}

func (c *Cache) lockPath(hash string) string {
	return filepath.Join(c.dir, hash+".lock")
}

// Lock marks the entry as being written. Locking an already locked entry is
// a no-op: the existing lock file is left alone, so a concurrent holder's
// window is never extended.
func (c *Cache) Lock(q *query.Query) error {
	hash, err := q.Hash()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(c.lockPath(hash), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	return f.Close()
}

// Locked reports whether the entry has a live lock. Locks older than the
// lock timeout are treated as abandoned.
func (c *Cache) Locked(q *query.Query) (bool, error) {
	hash, err := q.Hash()
	if err != nil {
		return false, err
	}
	info, err := os.Stat(c.lockPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) < c.lockTimeout, nil
}

// Unlock removes the entry's lock. Unlocking an unlocked entry is a no-op.
func (c *Cache) Unlock(q *query.Query) error {
	hash, err := q.Hash()
	if err != nil {
		return err
	}
	err = os.Remove(c.lockPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Get returns the cached result payload for q, or nil on a miss. A miss is
// returned when no entry exists, when the entry is stale (the stale file is
// removed), or when a concurrent writer holds the lock past the wait budget.
func (c *Cache) Get(ctx context.Context, q *query.Query, container query.Container) ([]byte, error) {
	path, err := c.Path(q, container)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.lockTimeout)
	for {
		locked, err := c.Locked(q)
		if err != nil {
			return nil, err
		}
		if !locked {
			break
		}
		if time.Now().After(deadline) {
			c.log.Debug("cache entry locked past wait budget", "path", path)
			return nil, nil
		}
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 && time.Since(info.ModTime()) > c.ttl {
		c.log.Debug("removing stale cache entry", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale cache entry: %w", err)
		}
		return nil, nil
	}
	return os.ReadFile(path)
}

// Put stores a result payload for q. The write goes through a temporary
// file in the cache directory and is promoted with a rename, so readers
// never observe a partial entry.
func (c *Cache) Put(q *query.Query, container query.Container, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, "entry.*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing cache temp file: %w", err)
	}
	if err := c.Promote(q, tmp.Name(), container); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Promote moves an externally produced file into the cache entry for q. The
// move is a rename, so readers never observe a partial entry; tmpPath must
// be on the same filesystem as the cache directory.
func (c *Cache) Promote(q *query.Query, tmpPath string, container query.Container) error {
	path, err := c.Path(q, container)
	if err != nil {
		return err
	}
	if err := c.Lock(q); err != nil {
		return err
	}
	defer func() {
		if err := c.Unlock(q); err != nil {
			c.log.Warn("failed to unlock cache entry", "path", path, "error", err)
		}
	}()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("promoting cache entry: %w", err)
	}
	return nil
}

// Delete removes the cached entry for q if present.
func (c *Cache) Delete(q *query.Query, container query.Container) error {
	path, err := c.Path(q, container)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
