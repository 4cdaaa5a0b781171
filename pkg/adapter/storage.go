package adapter

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

var (
	// ErrBlobNotFound is returned by BlobStore.Get when the key is absent
	ErrBlobNotFound = goerr.New("blob not found")
)

// BlobStore is a string keyed blob store. It is the persistence boundary of
// the conversation history.
type BlobStore interface {
	// Get returns the blob stored under key, or ErrBlobNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the blob stored under key
	Set(ctx context.Context, key string, data []byte) error
	// Remove deletes the blob. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Close releases the underlying client
	Close() error
}

// gcsStore implements BlobStore using Cloud Storage
type gcsStore struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewGCSStore creates a BlobStore in a Cloud Storage bucket. Objects are
// named prefix + key.
func NewGCSStore(ctx context.Context, bucketName, prefix string, opts ...option.ClientOption) (BlobStore, error) {
	if bucketName == "" {
		return nil, goerr.New("bucket name is required")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &gcsStore{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *gcsStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

func (s *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(ErrBlobNotFound, "object does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read object data", goerr.V("key", key))
	}
	return data, nil
}

func (s *gcsStore) Set(ctx context.Context, key string, data []byte) error {
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write to storage", goerr.V("key", key))
	}

	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

func (s *gcsStore) Remove(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete object", goerr.V("key", key))
	}
	return nil
}

func (s *gcsStore) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage client")
	}
	return nil
}
