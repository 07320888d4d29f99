//go:build gcp

package media

import (
	"context"
	"errors"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, errors.New("MEDIA_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
