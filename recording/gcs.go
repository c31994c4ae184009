//go:build gcp

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/inimical023/callflow"
)

// GCSConfig configures a Google Cloud Storage store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCS stores recordings in a GCS bucket under <prefix><digest>.blob.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Store = (*GCS)(nil)

// NewGCS creates a GCS store using application default credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("callflow/gcs: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("callflow/gcs: client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put implements Store.
func (s *GCS) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := Ref(data)
	obj := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, ref[len(RefPrefix):]))
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", callflow.Transient("recording.put", fmt.Errorf("callflow/gcs: write %s: %w", ref, err))
	}
	if err := w.Close(); err != nil {
		return "", callflow.Transient("recording.put", fmt.Errorf("callflow/gcs: close %s: %w", ref, err))
	}
	return ref, nil
}

// Get implements Store.
func (s *GCS) Get(ctx context.Context, ref string) (*Object, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, digest)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", callflow.ErrRecordingNotFound, ref)
		}
		return nil, callflow.Transient("recording.get", fmt.Errorf("callflow/gcs: get %s: %w", ref, err))
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, callflow.Transient("recording.get", fmt.Errorf("callflow/gcs: read %s: %w", ref, err))
	}
	return &Object{Ref: ref, ContentType: r.Attrs.ContentType, Data: data}, nil
}

// Close releases the client.
func (s *GCS) Close() error { return s.client.Close() }
