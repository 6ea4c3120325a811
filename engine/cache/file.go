package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spicemcp/spice/engine/query"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// File keeps one JSON document per key under a directory.
type File struct {
	fs  afero.Fs
	dir string
	ttl time.Duration
	now func() time.Time
}

// FileOption customizes a File cache.
type FileOption func(*File)

// WithFileFs swaps the filesystem.
func WithFileFs(fs afero.Fs) FileOption {
	return func(f *File) {
		f.fs = fs
	}
}

// WithFileClock overrides the clock used for expiry.
func WithFileClock(now func() time.Time) FileOption {
	return func(f *File) {
		f.now = now
	}
}

// NewFile creates a file cache rooted at dir.
func NewFile(dir string, ttl time.Duration, opts ...FileOption) (*File, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	f := &File{fs: afero.NewOsFs(), dir: dir, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return f, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *File) Lookup(ctx context.Context, key string) (*query.Execution, bool, error) {
	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	e, err := decode(data)
	if err != nil {
		logger.FromContext(ctx).Warn("Dropping corrupt cache entry", "key", key, "error", err)
		_ = f.fs.Remove(f.path(key))
		return nil, false, nil
	}
	if f.ttl > 0 && f.now().Sub(e.StoredAt) > f.ttl {
		_ = f.fs.Remove(f.path(key))
		return nil, false, nil
	}
	return e.Execution, true, nil
}

// Store replaces the entry atomically; concurrent writers are last-writer-wins.
func (f *File) Store(_ context.Context, key string, exec *query.Execution) error {
	data, err := encode(exec, f.now())
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.tmp", f.path(key), f.now().UnixNano())
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path(key)); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (f *File) Mode() string {
	return config.CacheModeFile
}

func (f *File) Close() error {
	return nil
}
