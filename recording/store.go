// Package recording stores call recording content and addresses it by
// content reference ("sha256:<hex>"). The orchestrator hands the
// reference to the CRM instead of the raw bytes.
//
// Backends: in-memory, Amazon S3 and Google Cloud Storage (build tag gcp).
package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// RefPrefix prefixes every content reference.
const RefPrefix = "sha256:"

// ErrInvalidRef is returned for references not of the form sha256:<hex>.
var ErrInvalidRef = errors.New("recording: invalid content reference")

// Object is stored recording content.
type Object struct {
	Ref         string
	ContentType string
	Data        []byte
}

// Store persists recording content by hash. Put is idempotent: storing the
// same bytes twice returns the same reference.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) (*Object, error)
}

// Ref returns the content reference of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// parseRef returns the hex digest of ref.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

// objectKey returns the object key of digest under prefix.
func objectKey(prefix, digest string) string {
	return prefix + digest + ".blob"
}
