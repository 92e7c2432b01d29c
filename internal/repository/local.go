package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"

	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/internal/hashutil"
	"golang.org/x/sync/singleflight"
)

// LocalRepository implements a Repository backed by a disk cache.
type LocalRepository struct {
	cache *disklru.Cache
	g     singleflight.Group
}

func NewLocalRepository(cache *disklru.Cache) *LocalRepository {
	return &LocalRepository{cache: cache}
}

// Cache returns the underlying cache.
func (r *LocalRepository) Cache() *disklru.Cache {
	return r.cache
}

func (r *LocalRepository) Exists(ctx context.Context, key string) (bool, error) {
	reader, err := r.cache.Read(ctx, key)
	if errors.Is(err, disklru.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, reader.Close()
}

// Get opens the blob for key. The returned reader also implements io.Seeker and keeps
// the blob on disk until it is closed.
func (r *LocalRepository) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	reader, err := r.cache.Read(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	f, err := reader.Open()
	if err != nil {
		errutil.LogMsg(reader.Close(), "Failed to close cache reader", "key", key)
		return nil, 0, err
	}
	return &blob{ReadSeekCloser: f, reader: reader}, reader.Size(), nil
}

type blob struct {
	io.ReadSeekCloser
	reader *disklru.Reader
}

func (b *blob) Close() error {
	err := b.ReadSeekCloser.Close()
	return errors.Join(err, b.reader.Close())
}

// Put fills key from fetcher unless it is already cached.
//
// Concurrent fills of the same key share one fetch. Content is streamed into a write
// transaction and verified against digest, when given, before the transaction commits;
// any failure discards it.
func (r *LocalRepository) Put(ctx context.Context, key string, digest *Digest, fetcher Fetcher) error {
	var hasher hash.Hash
	if digest != nil {
		var err error
		if hasher, err = hashutil.GetHasher(digest.Algo); err != nil {
			return err
		}
	}

	_, err, _ := r.g.Do(key, func() (interface{}, error) {
		// Double check existence
		if exists, _ := r.Exists(ctx, key); exists {
			return nil, nil
		}

		reader, _, err := fetcher()
		if err != nil {
			return nil, err
		}
		defer func() { _ = reader.Close() }()

		w, err := r.cache.Write(ctx, key)
		if err != nil {
			return nil, err
		}
		defer func() { errutil.LogMsg(w.Close(), "Failed to close cache writer", "key", key) }()

		stream, err := w.Open()
		if err != nil {
			return nil, err
		}

		var out io.Writer = stream
		if hasher != nil {
			out = io.MultiWriter(stream, hasher)
		}
		written, err := io.Copy(out, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to write to cache: %w", err)
		}

		if hasher != nil {
			actual := hex.EncodeToString(hasher.Sum(nil))
			if actual != digest.Hash {
				return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, digest.Hash, actual)
			}
		}

		if err := stream.Flush(); err != nil {
			return nil, err
		}

		slog.Info("Stored blob", "key", key, "size", written)
		return nil, nil
	})
	return err
}

// GetOrFetch attempts to retrieve the blob from the cache.
// If it's missing, it uses the provided fetcher to download and store it,
// then returns the blob reader.
func (r *LocalRepository) GetOrFetch(ctx context.Context, key string, digest *Digest, fetcher Fetcher) (io.ReadCloser, int64, error) {
	reader, size, err := r.Get(ctx, key)
	if err == nil {
		return reader, size, nil
	}
	if !errors.Is(err, disklru.ErrNotFound) {
		return nil, 0, err
	}

	if err := r.Put(ctx, key, digest, fetcher); err != nil {
		return nil, 0, err
	}

	return r.Get(ctx, key)
}

func (r *LocalRepository) Remove(ctx context.Context, key string) (bool, error) {
	return r.cache.Remove(ctx, key)
}
