package repository

import (
	"context"
	"errors"
	"io"
)

// ErrHashMismatch is returned when filled content does not match the expected digest.
var ErrHashMismatch = errors.New("hash mismatch")

// Repository is a source of cached blobs, addressed by key.
type Repository interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// WritableRepository is a Repository that can be filled on a miss.
type WritableRepository interface {
	Repository
	Put(ctx context.Context, key string, digest *Digest, fetcher Fetcher) error
	Remove(ctx context.Context, key string) (bool, error)
}

// Fetcher produces the content for a key that is not cached yet.
type Fetcher func() (io.ReadCloser, int64, error)

// Digest is the expected hash of a blob. The content is verified before it is committed.
type Digest struct {
	Algo string
	Hash string
}
