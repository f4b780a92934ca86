// Package blobstore gives task handlers a place to put bulk stage output
// that must never be inlined into Task.Result or Job.stageResults (§9: a
// stage that produces bulk data must store it behind a durable reference
// and pass only the reference through stageResults).
package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Store is the narrow interface task handlers depend on. Handlers never see
// the concrete GCS client, so unit tests can substitute an in-memory fake.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Ref, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Ref is what a handler puts into its Task.Result instead of the blob
// itself: a small, structured, serializable pointer.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

func (r Ref) URI() string {
	return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Key)
}

type gcsStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps a *storage.Client scoped to a single bucket. Callers own
// the client's lifecycle (Close it on shutdown).
func NewGCSStore(client *storage.Client, bucket string) Store {
	return &gcsStore{client: client, bucket: bucket}
}

func (s *gcsStore) Put(ctx context.Context, key string, r io.Reader) (Ref, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("blobstore: write %s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("blobstore: finalize %s/%s: %w", s.bucket, key, err)
	}
	return Ref{Bucket: s.bucket, Key: key, Size: n}, nil
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s/%s: %w", s.bucket, key, err)
	}
	return r, nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("blobstore: delete %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
