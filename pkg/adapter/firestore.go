package adapter

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreBlobCollection = "blobs"

// firestoreStore keeps each blob in one document. A document is limited to
// 1 MiB, which bounds the size of the history it can hold.
type firestoreStore struct {
	client *firestore.Client
}

type blobDocument struct {
	Data []byte `firestore:"data"`
}

// NewFirestoreStore creates a BlobStore backed by a Firestore database
func NewFirestoreStore(ctx context.Context, projectID, databaseID string, opts ...option.ClientOption) (BlobStore, error) {
	if projectID == "" {
		return nil, goerr.New("project is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID),
		)
	}

	return &firestoreStore{client: client}, nil
}

func (s *firestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(firestoreBlobCollection).Doc(key)
}

func (s *firestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrBlobNotFound, "document does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to get document", goerr.V("key", key))
	}

	var doc blobDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode document", goerr.V("key", key))
	}
	return doc.Data, nil
}

func (s *firestoreStore) Set(ctx context.Context, key string, data []byte) error {
	if _, err := s.doc(key).Set(ctx, blobDocument{Data: data}); err != nil {
		return goerr.Wrap(err, "failed to set document", goerr.V("key", key))
	}
	return nil
}

func (s *firestoreStore) Remove(ctx context.Context, key string) error {
	if _, err := s.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return goerr.Wrap(err, "failed to delete document", goerr.V("key", key))
	}
	return nil
}

func (s *firestoreStore) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}
