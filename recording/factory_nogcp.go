//go:build !gcp

package recording

import (
	"context"
	"errors"
)

func openGCS(context.Context, Config) (Store, error) {
	return nil, errors.New("recording: gcs backend requires building with -tags gcp")
}
