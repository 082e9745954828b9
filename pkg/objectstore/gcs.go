//go:build gcp

package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// GCSStore keeps objects in a Google Cloud Storage bucket using
// application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, domain.E(domain.KindInvalidState, "gcs object store requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, domain.Wrap(domain.KindExternalFailed, err, "gcs client")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w := s.object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", domain.Wrap(domain.KindExternalFailed, err, "gcs write %s", key)
	}
	if err := w.Close(); err != nil {
		return "", domain.Wrap(domain.KindExternalFailed, err, "gcs close %s", key)
	}
	return "gs://" + s.bucket + "/" + s.prefix + key, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, domain.E(domain.KindNotFound, "object %s not found", key)
		}
		return nil, domain.Wrap(domain.KindExternalFailed, err, "gcs get %s", key)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.Wrap(domain.KindExternalFailed, err, "gcs read %s", key)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, domain.Wrap(domain.KindExternalFailed, err, "gcs attrs %s", key)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return domain.Wrap(domain.KindExternalFailed, err, "gcs delete %s", key)
	}
	return nil
}

func (s *GCSStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(s.prefix+key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", domain.Wrap(domain.KindExternalFailed, err, "gcs presign %s", key)
	}
	return url, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error { return s.client.Close() }

var _ Store = (*GCSStore)(nil)
