//go:build gcp

package recording

import "context"

func openGCS(ctx context.Context, cfg Config) (Store, error) {
	return NewGCS(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
