package secretstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a blobBackend when the key has no value.
var ErrNotFound = errors.New("secretstore: key not found")

// blobBackend persists opaque byte blobs under string keys. Two
// implementations exist — file-backed (default) and MongoDB-backed
// (operator opt-in) — chosen at construction time, never switched at
// runtime.
type blobBackend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string][]byte, error)
}
