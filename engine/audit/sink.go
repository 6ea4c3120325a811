package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

const (
	DefaultTail = 50
	MaxTail     = 1000

	maxLineBytes = 1 << 20
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidArtifact  = errors.New("artifact id must be a 64 character lowercase sha256 hex digest")
	ErrHistoryDisabled  = errors.New("query history is disabled")
)

type lockFunc func(path string) (unlock func() error, err error)

// Sink persists the audit log and content-addressed SQL artifacts.
type Sink struct {
	fs           afero.Fs
	enabled      bool
	path         string
	artifactRoot string
	mu           sync.Mutex
	lock         lockFunc
	now          func() time.Time
}

// Option customizes a Sink.
type Option func(*Sink)

// WithFs swaps the filesystem; inter-process locking is disabled for non-OS filesystems.
func WithFs(fs afero.Fs) Option {
	return func(s *Sink) {
		s.fs = fs
		if _, ok := fs.(*afero.OsFs); !ok {
			s.lock = noLock
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// NewSink builds a sink from the history configuration.
func NewSink(cfg *config.HistoryConfig, opts ...Option) *Sink {
	s := &Sink{
		fs:           afero.NewOsFs(),
		enabled:      cfg.Enabled && cfg.Path != "",
		path:         cfg.Path,
		artifactRoot: cfg.ArtifactRoot,
		lock:         fileLock,
		now:          time.Now,
	}
	if s.artifactRoot == "" && cfg.Path != "" {
		s.artifactRoot = filepath.Join(filepath.Dir(cfg.Path), "artifacts")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether records are written.
func (s *Sink) Enabled() bool {
	return s.enabled
}

// Path returns the history file location.
func (s *Sink) Path() string {
	return s.path
}

// Record appends rec as one JSON line. Failures are logged and never returned.
func (s *Sink) Record(ctx context.Context, rec *Record) {
	if !s.enabled || rec == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	rec.Error = core.RedactString(rec.Error)
	if err := s.append(rec); err != nil {
		logger.FromContext(ctx).Warn("Failed to write query history", "path", s.path, "error", err)
	}
}

func (s *Sink) append(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	unlock, err := s.lock(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock history: %w", err)
	}
	defer func() {
		_ = unlock()
	}()
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append history: %w", err)
	}
	return f.Close()
}

// Tail returns the last n records as raw JSON, oldest first. n is clamped to [1, MaxTail].
func (s *Sink) Tail(_ context.Context, n int) ([]json.RawMessage, error) {
	if !s.enabled {
		return nil, ErrHistoryDisabled
	}
	n = ClampTail(n)
	f, err := s.fs.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	ring := make([]json.RawMessage, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		entry := append(json.RawMessage(nil), line...)
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return ring, nil
}

// ClampTail bounds a requested tail size, defaulting non-positive values.
func ClampTail(n int) int {
	switch {
	case n <= 0:
		return DefaultTail
	case n > MaxTail:
		return MaxTail
	default:
		return n
	}
}

// ArtifactPath returns where the SQL with the given digest is stored.
func (s *Sink) ArtifactPath(sha string) string {
	return filepath.Join(s.artifactRoot, "queries", "by_sha", sha+".sql")
}

// StoreArtifact writes sql under its digest once. Existing artifacts are left untouched.
func (s *Sink) StoreArtifact(ctx context.Context, sha string, sql string) (string, error) {
	if s.artifactRoot == "" {
		return "", nil
	}
	if !core.IsDigest(sha) {
		return "", ErrInvalidArtifact
	}
	path := s.ArtifactPath(sha)
	if ok, err := afero.Exists(s.fs, path); err == nil && ok {
		return path, nil
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, s.now().UnixNano())
	if err := afero.WriteFile(s.fs, tmp, []byte(sql), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	logger.FromContext(ctx).Debug("Stored SQL artifact", "sha", sha[:12], "path", path)
	return path, nil
}

// Artifact reads the SQL stored under sha.
func (s *Sink) Artifact(_ context.Context, sha string) (string, error) {
	if !core.IsDigest(sha) {
		return "", ErrInvalidArtifact
	}
	data, err := afero.ReadFile(s.fs, s.ArtifactPath(sha))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", sha, ErrArtifactNotFound)
		}
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

func fileLock(path string) (func() error, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}

func noLock(string) (func() error, error) {
	return func() error { return nil }, nil
}
