// Package objectstore persists scanned sheet images and question paper
// files. Objects are addressed by dated, content-hashed keys so a stored
// file can always be re-verified against the hash recorded on chain.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Store is the blob backend surface shared by the filesystem, S3 and GCS
// implementations.
type Store interface {
	// Put persists data under key and returns a stable URL for the object.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get retrieves the object bytes.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists checks for the object without fetching it.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
	// PresignGet returns a time-limited download URL.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Backend selects the blob implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config holds the backend selection and its settings.
type Config struct {
	Backend  Backend
	Dir      string // filesystem root, fs backend
	Bucket   string
	Region   string
	Endpoint string // custom S3 endpoint, for MinIO and LocalStack
	Prefix   string // optional key prefix inside the bucket
}

// New builds the configured store. An empty backend defaults to the
// filesystem under Dir.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/objects"
		}
		return NewFileStore(dir)
	case BackendS3:
		return NewS3Store(ctx, cfg)
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, domain.E(domain.KindInvalidState, "unsupported object store backend %q", cfg.Backend)
	}
}

// BuildKey lays out an object key as
// <category>/<yyyy>/<mm>/<dd>/<content_hash>_<name>. The content hash
// keeps same-named uploads from colliding while the date folders keep
// listings browsable.
func BuildKey(category, name string, data []byte, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s_%s",
		category, at.Year(), int(at.Month()), at.Day(),
		canonical.HashBytes(data), sanitizeName(name))
}

// Verify fetches the object and checks it against the expected SHA-256.
func Verify(ctx context.Context, s Store, key, wantHash string) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if got := canonical.HashBytes(data); got != wantHash {
		return domain.E(domain.KindHashMismatch, "object %s hash %s does not match recorded %s", key, got, wantHash)
	}
	return nil
}

// sanitizeName strips path structure and characters that object stores
// or filesystems treat specially.
func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "object"
	}
	return b.String()
}

// FileStore keeps objects under a local directory. It backs development
// and single-node deployments.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore ensures the root directory exists.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, domain.Wrap(domain.KindPersistenceFailed, err, "object dir %s", baseDir)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", domain.E(domain.KindInvalidState, "invalid object key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", domain.Wrap(domain.KindPersistenceFailed, err, "object dir for %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".object-*")
	if err != nil {
		return "", domain.Wrap(domain.KindPersistenceFailed, err, "object temp for %s", key)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", domain.Wrap(domain.KindPersistenceFailed, err, "object write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", domain.Wrap(domain.KindPersistenceFailed, err, "object close %s", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", domain.Wrap(domain.KindPersistenceFailed, err, "object commit %s", key)
	}
	return "file://" + filepath.ToSlash(p), nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.E(domain.KindNotFound, "object %s not found", key)
		}
		return nil, domain.Wrap(domain.KindPersistenceFailed, err, "object open %s", key)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistenceFailed, err, "object read %s", key)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, domain.Wrap(domain.KindPersistenceFailed, err, "object stat %s", key)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return domain.Wrap(domain.KindPersistenceFailed, err, "object delete %s", key)
	}
	return nil
}

// PresignGet on the filesystem store just returns the local URL; there
// is no access control to gate.
func (s *FileStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(p), nil
}

var _ Store = (*FileStore)(nil)
