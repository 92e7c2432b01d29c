// Package disklru is a persistent, size-bounded LRU cache of byte blobs on local disk.
//
// Every cached blob is one file in the working directory, named by a random identifier.
// An append-only journal records publishes and removals so the cache survives restarts
// and crashes: on startup the journal is replayed into a fresh LRU index, evicting down
// to the configured capacity, and then compacted to the surviving entries.
//
// Reads and writes are transactional:
//
//	w, err := cache.Write(ctx, key)
//	if err != nil { ... }
//	defer w.Close() // discards the file unless the stream was flushed
//	s, err := w.Open()
//	if err != nil { ... }
//	if _, err := s.Write(data); err != nil { ... }
//	if err := s.Flush(); err != nil { ... } // commit
//
//	r, err := cache.Read(ctx, key) // ErrNotFound on miss
//	if err != nil { ... }
//	defer r.Close()
//	f, err := r.Open()
//
// An entry evicted while a Reader holds it keeps its file until the Reader is closed.
// A working directory must be owned by a single Cache at a time.
package disklru

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/internal/lru"
	"github.com/lucasew/disklru/journal"
)

// Options configures a Cache.
type Options struct {
	// SweepOrphans deletes files in the working directory that look like cache data
	// files but belong to no live entry once the journal has been replayed. Such files
	// are left behind by crashes between creating a file and journaling it, and by
	// entries evicted during replay.
	SweepOrphans bool
}

// DefaultOptions are used unless overridden.
var DefaultOptions = Options{
	SweepOrphans: true,
}

// Stats is a snapshot of the cache occupancy.
type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"max_bytes"`
}

// Cache is a disk-backed LRU cache. It is safe for concurrent use.
type Cache struct {
	dir      string
	maxBytes int64
	journal  journal.Journal
	opts     Options

	ready   chan struct{}
	initErr error

	// mu guards entries and the order of journal appends.
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
}

// New returns a cache over dir holding at most maxBytes of blobs. It returns at once;
// the journal is replayed in the background and calls block until that finishes.
func New(dir string, j journal.Journal, maxBytes int64, optFns ...func(o *Options)) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, maxBytes)
	}
	if j == nil {
		return nil, errors.New("journal is required")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		journal:  j,
		opts:     opts,
		ready:    make(chan struct{}),
	}
	go c.init()
	return c, nil
}

// Open returns a cache over dir journaled to a plain file in dir.
func Open(dir string, maxBytes int64, optFns ...func(o *Options)) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, maxBytes)
	}
	j, err := journal.OpenFile(dir)
	if err != nil {
		return nil, err
	}
	return New(dir, j, maxBytes, optFns...)
}

// Dir returns the working directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Ready is closed once initialization has finished, successfully or not.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

// Wait blocks until the cache is initialized and returns the initialization error.
func (c *Cache) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
	default:
		select {
		case <-c.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.initErr
}

func (c *Cache) init() {
	defer close(c.ready)

	start := time.Now()
	entries, err := c.load()
	if err != nil {
		c.initErr = fmt.Errorf("%w: %w", ErrInit, err)
		errutil.ReportError(err, "Failed to initialize cache", "dir", c.dir)
		return
	}

	entries.SetOnRemoved(c.onRemoved)
	c.entries = entries

	slog.Info("Cache ready",
		"dir", c.dir,
		"entries", entries.Len(),
		"size", humanize.IBytes(uint64(entries.Size())),
		"max_size", humanize.IBytes(uint64(c.maxBytes)),
		"took", time.Since(start),
	)
}

// load replays the journal into an index bounded by the capacity, which evicts the
// oldest entries when the capacity shrank, and compacts the journal to the survivors.
func (c *Cache) load() (*lru.Cache[string, *Entry], error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	entries, err := lru.New(c.maxBytes, entrySize)
	if err != nil {
		return nil, err
	}

	var records []journal.Record
	err = c.journal.Replay(func(rec journal.Record) {
		records = append(records, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}

	for _, rec := range liveRecords(records) {
		switch rec.Op {
		case journal.OpPut:
			if err := journal.ValidateFileID(rec.FileID); err != nil {
				slog.Warn("Skipping journal record with invalid file id", "key", rec.Key, "error", err)
				continue
			}
			entries.Put(rec.Key, newEntry(c.dir, rec.FileID, rec.Size))
		case journal.OpRemove:
			entries.Remove(rec.Key)
		}
	}

	survivors := make([]journal.Record, 0, entries.Len())
	for key, e := range entries.All() {
		survivors = append(survivors, journal.Put(key, e.FileID, e.Size))
	}
	if err := c.journal.Compact(survivors); err != nil {
		return nil, fmt.Errorf("failed to compact journal: %w", err)
	}

	if c.opts.SweepOrphans {
		c.sweep(entries)
	}
	return entries, nil
}

// liveRecords drops PUT records whose next record for the same key is a REMOVE. Such a
// PUT was either removed later, and every eviction it caused was journaled on its own,
// or it was cancelled after a failed append and must not evict anything on replay.
func liveRecords(records []journal.Record) []journal.Record {
	next := make(map[string]journal.Op, len(records))
	live := make([]bool, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		op, seen := next[rec.Key]
		live[i] = rec.Op != journal.OpPut || !seen || op != journal.OpRemove
		next[rec.Key] = rec.Op
	}

	out := records[:0]
	for i, rec := range records {
		if live[i] {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Cache) sweep(entries *lru.Cache[string, *Entry]) {
	live := make(map[string]struct{}, entries.Len())
	for _, e := range entries.All() {
		live[e.FileID] = struct{}{}
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		errutil.LogMsg(err, "Failed to list cache dir for orphan sweep", "dir", c.dir)
		return
	}

	var removed int
	for _, f := range files {
		if f.IsDir() || !isDataFile(f.Name()) {
			continue
		}
		if _, ok := live[f.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, f.Name())); err != nil {
			errutil.LogMsg(err, "Failed to remove orphaned file", "file", f.Name())
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed orphaned cache files", "dir", c.dir, "count", removed)
	}
}

// onRemoved runs under c.mu for every entry leaving the index.
func (c *Cache) onRemoved(r lru.Removal[string, *Entry]) {
	slog.Debug("Cache entry removed", "key", r.Key, "reason", r.Reason, "size", r.Old.Size)
	r.Old.requestDelete()

	// The replacing PUT already supersedes the old record on replay.
	if r.Reason == lru.Replaced {
		return
	}
	errutil.ReportError(c.journal.Append(journal.Remove(r.Key)), "Failed to journal cache removal", "key", r.Key)
}

// Read returns a Reader for key, or ErrNotFound. An entry whose file is gone or has
// the wrong size is dropped and reported as not found.
func (c *Cache) Read(ctx context.Context, key string) (*Reader, error) {
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	// Stat under the lock so an eviction cannot delete the file before startReading.
	info, err := os.Stat(e.path)
	switch {
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	case err != nil || info.Size() != e.Size:
		slog.Warn("Cache file missing or corrupted, dropping entry", "key", key, "file", e.FileID)
		c.entries.Remove(key)
		return nil, ErrNotFound
	}

	e.startReading()
	return &Reader{entry: e}, nil
}

// Write starts a write transaction for key. Nothing is checked or changed until the
// returned Writer's stream is flushed.
func (c *Cache) Write(ctx context.Context, key string) (*Writer, error) {
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	if err := journal.ValidateKey(key); err != nil {
		return nil, err
	}
	return &Writer{cache: c, key: key}, nil
}

// Store copies src into the cache under key in one transaction.
func (c *Cache) Store(ctx context.Context, key string, src io.Reader) (int64, error) {
	w, err := c.Write(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { errutil.LogMsg(w.Close(), "Failed to close cache writer", "key", key) }()

	s, err := w.Open()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(s, src)
	if err != nil {
		return n, err
	}
	if err := s.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

// publish makes a flushed file the entry for key.
func (c *Cache) publish(key, fileID string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)

	if err := c.journal.Append(journal.Put(key, fileID, size)); err != nil {
		// The PUT may have reached the log before failing; cancel it for replay.
		errutil.ReportError(c.journal.Append(journal.Remove(key)), "Failed to journal removal of unpublished entry", "key", key)
		return fmt.Errorf("failed to journal entry: %w", err)
	}
	c.entries.Put(key, newEntry(c.dir, fileID, size))

	slog.Debug("Stored cache entry", "key", key, "file", fileID, "size", size)
	return nil
}

// Remove drops key from the cache. It reports whether the key was present.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	if err := c.Wait(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries.Remove(key)
	return ok, nil
}

// Trim evicts least recently used entries until at most target bytes remain and
// returns the number of bytes freed.
func (c *Cache) Trim(ctx context.Context, target int64) (int64, error) {
	if err := c.Wait(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.TrimToSize(target), nil
}

// Size returns the bytes currently cached.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	stats, err := c.Stats(ctx)
	return stats.Bytes, err
}

// Stats returns the current occupancy.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if err := c.Wait(ctx); err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.entries.Len(),
		Bytes:    c.entries.Size(),
		MaxBytes: c.maxBytes,
	}, nil
}

// Close closes the journal once initialization is over. Open readers and writers are
// not waited for; callers must stop using the cache first.
func (c *Cache) Close() error {
	<-c.ready
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journal.Close()
}

func entrySize(_ string, e *Entry) int64 {
	return e.Size
}

func newFileID() string {
	return uuid.NewString()
}

func isDataFile(name string) bool {
	if len(name) != 36 {
		return false
	}
	_, err := uuid.Parse(name)
	return err == nil
}

func filePath(dir, fileID string) string {
	return filepath.Join(dir, fileID)
}
