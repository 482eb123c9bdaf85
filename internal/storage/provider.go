// Package storage defines the object store that holds content-addressed
// downloads. Backends live in the subpackages (s3, gcs, local, memory).
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Metadata keys attached to every uploaded object.
const (
	MetaSourceURL   = "source-url"
	MetaContentType = "source-content-type"
)

// ErrInvalidKey is returned for empty, absolute or traversing keys.
var ErrInvalidKey = errors.New("invalid object key")

// PutOptions describe an upload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is a single bucket of immutable objects.
type ObjectStore interface {
	// Put uploads body under key and returns the object's URL. Re-putting the
	// same key with the same bytes is harmless.
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error)
	// Exists reports whether key is already present.
	Exists(ctx context.Context, key string) (bool, error)
	// URL returns the URL Put would return for key.
	URL(key string) string
}

// ValidateKey rejects keys that could escape the bucket namespace.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: %q contains ..", ErrInvalidKey, key)
	}
	return nil
}
