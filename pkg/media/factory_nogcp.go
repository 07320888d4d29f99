//go:build !gcp

package media

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, Config) (Store, error) {
	return nil, errors.New("gcs storage is not enabled in this build (use -tags gcp)")
}
