package persistence

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// gcsStore is the production ObjectStore backed by Google Cloud Storage.
type gcsStore struct {
	client *storage.Client
}

// NewGCSStore creates an object store using application default credentials.
func NewGCSStore(ctx context.Context) (ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsStore{client: client}, nil
}

func (g *gcsStore) Upload(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error) {
	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", object, err)
	}
	return "gs://" + bucket + "/" + object, nil
}
