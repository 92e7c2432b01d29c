package disklru

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lucasew/disklru/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newCache(t *testing.T, dir string, j journal.Journal, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(dir, j, maxBytes)
	require.NoError(t, err)
	require.NoError(t, c.Wait(t.Context()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func store(t *testing.T, c *Cache, key string, data []byte) {
	t.Helper()
	n, err := c.Store(t.Context(), key, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
}

func load(t *testing.T, c *Cache, key string) ([]byte, error) {
	t.Helper()
	r, err := c.Read(t.Context(), key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := r.Open()
	require.NoError(t, err)
	defer f.Close()
	return io.ReadAll(f)
}

func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, f := range files {
		if isDataFile(f.Name()) {
			out = append(out, f.Name())
		}
	}
	return out
}

// failingJournal fails appends and replays on demand. With failAfterPut set, PUT
// records are stored before the error is returned, like a write that landed but whose
// fsync failed.
type failingJournal struct {
	*journal.Memory
	failAppend   atomic.Bool
	failAfterPut atomic.Bool
	replayErr    error
	block        chan struct{}
}

func (f *failingJournal) Replay(fn func(journal.Record)) error {
	if f.block != nil {
		<-f.block
	}
	if f.replayErr != nil {
		return f.replayErr
	}
	return f.Memory.Replay(fn)
}

func (f *failingJournal) Append(rec journal.Record) error {
	if f.failAppend.Load() {
		return errors.New("disk full")
	}
	if rec.Op == journal.OpPut && f.failAfterPut.Load() {
		if err := f.Memory.Append(rec); err != nil {
			return err
		}
		return errors.New("fsync: input/output error")
	}
	return f.Memory.Append(rec)
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, journal.NewMemory(), 1024)

	for _, size := range []int{0, 1, 100, 1024} {
		key := fmt.Sprintf("blob-%d", size)
		data := bytes.Repeat([]byte{byte(size)}, size)
		store(t, c, key, data)

		got, err := load(t, c, key)
		require.NoError(t, err)
		assert.Equal(t, data, got, "size %d", size)
	}

	_, err := load(t, c, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceKey(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	c := newCache(t, dir, j, 100)

	store(t, c, "k", []byte("first"))
	store(t, c, "k", []byte("second!"))

	got, err := load(t, c, "k")
	require.NoError(t, err)
	assert.Equal(t, "second!", string(got))

	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 1, Bytes: 7, MaxBytes: 100}, stats)
	assert.Len(t, dataFiles(t, dir), 1)

	recs := j.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, journal.OpPut, recs[0].Op)
	assert.Equal(t, journal.Remove("k"), recs[1])
	assert.Equal(t, journal.OpPut, recs[2].Op)
}

func TestEvictionExamples(t *testing.T) {
	t.Run("older entry evicted", func(t *testing.T) {
		c := newCache(t, t.TempDir(), journal.NewMemory(), 49)
		a := bytes.Repeat([]byte("a"), 20)
		b := bytes.Repeat([]byte("b"), 30)
		store(t, c, "A", a)
		store(t, c, "B", b)

		_, err := load(t, c, "A")
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := load(t, c, "B")
		require.NoError(t, err)
		assert.Equal(t, b, got)

		size, err := c.Size(t.Context())
		require.NoError(t, err)
		assert.Equal(t, int64(30), size)
	})

	t.Run("oversized entry never published", func(t *testing.T) {
		dir := t.TempDir()
		c := newCache(t, dir, journal.NewMemory(), 19)
		store(t, c, "A", bytes.Repeat([]byte("a"), 20))

		_, err := load(t, c, "A")
		assert.ErrorIs(t, err, ErrNotFound)
		size, err := c.Size(t.Context())
		require.NoError(t, err)
		assert.Zero(t, size)
		assert.Empty(t, dataFiles(t, dir))
	})

	t.Run("shrink on reopen keeps the most recent", func(t *testing.T) {
		dir := t.TempDir()
		j := journal.NewMemory()
		c := newCache(t, dir, j, 50)
		store(t, c, "A", bytes.Repeat([]byte("a"), 45))
		store(t, c, "B", bytes.Repeat([]byte("b"), 5))
		require.NoError(t, c.Close())

		c = newCache(t, dir, j, 49)
		_, err := load(t, c, "A")
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := load(t, c, "B")
		require.NoError(t, err)
		assert.Equal(t, "bbbbb", string(got))

		recs := j.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, "B", recs[0].Key)
		assert.Len(t, dataFiles(t, dir), 1)
	})
}

func TestReadPromotes(t *testing.T) {
	c := newCache(t, t.TempDir(), journal.NewMemory(), 30)
	store(t, c, "A", bytes.Repeat([]byte("a"), 10))
	store(t, c, "B", bytes.Repeat([]byte("b"), 10))
	store(t, c, "C", bytes.Repeat([]byte("c"), 10))

	_, err := load(t, c, "A")
	require.NoError(t, err)

	store(t, c, "D", bytes.Repeat([]byte("d"), 10))

	_, err = load(t, c, "B")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, key := range []string{"A", "C", "D"} {
		_, err := load(t, c, key)
		assert.NoError(t, err, key)
	}
}

func TestAbandonedWrite(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	c := newCache(t, dir, j, 100)
	store(t, c, "kept", []byte("kept"))

	before := dataFiles(t, dir)
	records := j.Records()

	w, err := c.Write(t.Context(), "abandoned")
	require.NoError(t, err)
	s, err := w.Open()
	require.NoError(t, err)
	_, err = s.Write([]byte("never committed"))
	require.NoError(t, err)
	// Closing the stream alone does not commit.
	require.NoError(t, s.Close())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, before, dataFiles(t, dir))
	assert.Equal(t, records, j.Records())
	_, err = load(t, c, "abandoned")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriterLifecycle(t *testing.T) {
	c := newCache(t, t.TempDir(), journal.NewMemory(), 100)

	w, err := c.Write(t.Context(), "k")
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "k", w.Key())

	s, err := w.Open()
	require.NoError(t, err)
	_, err = w.Open()
	assert.ErrorIs(t, err, ErrStreamOpen)

	_, err = s.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Flush())

	_, err = s.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrCommitted)

	require.NoError(t, w.Close())
	got, err := load(t, c, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFlushAfterStreamClose(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, journal.NewMemory(), 100)

	w, err := c.Write(t.Context(), "k")
	require.NoError(t, err)
	s, err := w.Open()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Flush(), ErrTransactionFailed)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrTransactionFailed)
	require.NoError(t, w.Close())
	assert.Empty(t, dataFiles(t, dir))
}

func TestJournalFailureDiscardsWrite(t *testing.T) {
	dir := t.TempDir()
	j := &failingJournal{Memory: journal.NewMemory()}
	c := newCache(t, dir, j, 100)
	store(t, c, "k", []byte("old"))

	j.failAppend.Store(true)
	w, err := c.Write(t.Context(), "k")
	require.NoError(t, err)
	s, err := w.Open()
	require.NoError(t, err)
	_, err = s.Write([]byte("new"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Flush(), ErrTransactionFailed)
	require.NoError(t, w.Close())

	// The failed publish already dropped the old entry from the index.
	_, err = load(t, c, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dataFiles(t, dir))
}

func TestFailedPutDoesNotSurviveReplay(t *testing.T) {
	dir := t.TempDir()
	j := &failingJournal{Memory: journal.NewMemory()}
	c := newCache(t, dir, j, 100)
	kept := bytes.Repeat([]byte("r"), 60)
	store(t, c, "real", kept)

	j.failAfterPut.Store(true)
	_, err := c.Store(t.Context(), "ghost", bytes.NewReader(bytes.Repeat([]byte("g"), 50)))
	require.ErrorIs(t, err, ErrTransactionFailed)
	j.failAfterPut.Store(false)

	recs := j.Records()
	require.NotEmpty(t, recs)
	assert.Equal(t, journal.Remove("ghost"), recs[len(recs)-1])
	require.NoError(t, c.Close())

	c = newCache(t, dir, j, 100)
	got, err := load(t, c, "real")
	require.NoError(t, err)
	assert.Equal(t, kept, got)
	_, err = load(t, c, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, dataFiles(t, dir), 1)
}

func TestReplaySkipsCancelledPuts(t *testing.T) {
	tests := []struct {
		name    string
		records []journal.Record
		want    []journal.Record
	}{
		{
			name:    "put then remove",
			records: []journal.Record{journal.Put("a", "f1", 1), journal.Remove("a")},
			want:    []journal.Record{journal.Remove("a")},
		},
		{
			name:    "replaced",
			records: []journal.Record{journal.Put("a", "f1", 1), journal.Remove("a"), journal.Put("a", "f2", 2)},
			want:    []journal.Record{journal.Remove("a"), journal.Put("a", "f2", 2)},
		},
		{
			name:    "other keys in between",
			records: []journal.Record{journal.Put("a", "f1", 1), journal.Put("b", "f2", 2), journal.Remove("a")},
			want:    []journal.Record{journal.Put("b", "f2", 2), journal.Remove("a")},
		},
		{
			name:    "put put",
			records: []journal.Record{journal.Put("a", "f1", 1), journal.Put("a", "f2", 2)},
			want:    []journal.Record{journal.Put("a", "f1", 1), journal.Put("a", "f2", 2)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, liveRecords(tt.records))
		})
	}
}

func TestReplayRejectsEscapingFileID(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "cache")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	victim := filepath.Join(root, "victim")
	require.NoError(t, os.WriteFile(victim, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, journal.FileName), []byte("PUT|k|../victim|5\n"), 0o644))

	c, err := Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()

	_, err = load(t, c, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	removed, err := c.Remove(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, victim)
}

func TestDurability(t *testing.T) {
	for _, name := range []string{"memory", "file"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			var j journal.Journal = journal.NewMemory()
			if name == "file" {
				var err error
				j, err = journal.OpenFile(dir)
				require.NoError(t, err)
			}

			c := newCache(t, dir, j, 100)
			store(t, c, "a", []byte("alpha"))
			store(t, c, "b", []byte("beta"))
			removed, err := c.Remove(t.Context(), "a")
			require.NoError(t, err)
			assert.True(t, removed)
			require.NoError(t, c.Close())

			if name == "file" {
				var err error
				j, err = journal.OpenFile(dir)
				require.NoError(t, err)
			}
			c = newCache(t, dir, j, 100)

			got, err := load(t, c, "b")
			require.NoError(t, err)
			assert.Equal(t, "beta", string(got))
			_, err = load(t, c, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	c, err := Open(dir, 100)
	require.NoError(t, err)
	store(t, c, "k", []byte("v"))
	require.NoError(t, c.Close())

	c, err = Open(dir, 100)
	require.NoError(t, err)
	defer c.Close()
	got, err := load(t, c, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	assert.FileExists(t, filepath.Join(dir, journal.FileName))
}

func TestInvalidArguments(t *testing.T) {
	_, err := New(t.TempDir(), journal.NewMemory(), 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = Open(t.TempDir(), -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	c := newCache(t, t.TempDir(), journal.NewMemory(), 10)
	for _, key := range []string{"", "a|b", "a\nb"} {
		_, err := c.Write(t.Context(), key)
		assert.ErrorIs(t, err, ErrInvalidKey, "%q", key)
	}
}

func TestStaleEntrySelfHeals(t *testing.T) {
	dir := t.TempDir()
	j := journal.NewMemory()
	c := newCache(t, dir, j, 100)
	store(t, c, "gone", []byte("gone"))
	store(t, c, "short", []byte("truncated"))

	files := dataFiles(t, dir)
	require.Len(t, files, 2)
	for _, rec := range j.Records() {
		switch rec.Key {
		case "gone":
			require.NoError(t, os.Remove(filepath.Join(dir, rec.FileID)))
		case "short":
			require.NoError(t, os.Truncate(filepath.Join(dir, rec.FileID), 3))
		}
	}

	for _, key := range []string{"gone", "short"} {
		_, err := load(t, c, key)
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Bytes)

	recs := j.Records()
	require.GreaterOrEqual(t, len(recs), 2)
	assert.ElementsMatch(t, []journal.Record{journal.Remove("gone"), journal.Remove("short")}, recs[len(recs)-2:])
	assert.Empty(t, dataFiles(t, dir))
}

func TestReaderKeepsEvictedFile(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, journal.NewMemory(), 49)
	store(t, c, "A", bytes.Repeat([]byte("a"), 20))

	r, err := c.Read(t.Context(), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(20), r.Size())
	assert.Equal(t, 1, r.entry.Readers())

	store(t, c, "B", bytes.Repeat([]byte("b"), 30))
	_, err = load(t, c, "A")
	require.ErrorIs(t, err, ErrNotFound)
	assert.FileExists(t, r.entry.path)

	f, err := r.Open()
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, bytes.Repeat([]byte("a"), 20), got)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.NoFileExists(t, r.entry.path)
	_, err = r.Open()
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestOrphanSweep(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, uuid.NewString())
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	j := journal.NewMemory()
	c := newCache(t, dir, j, 100)
	store(t, c, "k", []byte("v"))
	require.NoError(t, c.Close())

	c = newCache(t, dir, j, 100)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, other)
	assert.Len(t, dataFiles(t, dir), 1)

	t.Run("disabled", func(t *testing.T) {
		dir := t.TempDir()
		orphan := filepath.Join(dir, uuid.NewString())
		require.NoError(t, os.WriteFile(orphan, nil, 0o644))

		c, err := New(dir, journal.NewMemory(), 100, func(o *Options) { o.SweepOrphans = false })
		require.NoError(t, err)
		require.NoError(t, c.Wait(t.Context()))
		defer c.Close()
		assert.FileExists(t, orphan)
	})
}

func TestTrim(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, journal.NewMemory(), 100)
	for i := range 5 {
		store(t, c, fmt.Sprintf("k%d", i), bytes.Repeat([]byte("x"), 10))
	}

	freed, err := c.Trim(t.Context(), 25)
	require.NoError(t, err)
	assert.Equal(t, int64(30), freed)

	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(20), stats.Bytes)
	assert.Len(t, dataFiles(t, dir), 2)

	for _, key := range []string{"k3", "k4"} {
		_, err := load(t, c, key)
		assert.NoError(t, err, key)
	}

	removed, err := c.Remove(t.Context(), "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInitFailure(t *testing.T) {
	j := &failingJournal{Memory: journal.NewMemory(), replayErr: errors.New("corrupt")}
	c, err := New(t.TempDir(), j, 100)
	require.NoError(t, err)

	_, err = c.Read(t.Context(), "k")
	assert.ErrorIs(t, err, ErrInit)
	_, err = c.Write(t.Context(), "k")
	assert.ErrorIs(t, err, ErrInit)
	_, err = c.Stats(t.Context())
	assert.ErrorIs(t, err, ErrInit)
	assert.NoError(t, c.Close())
}

func TestWaitHonorsContext(t *testing.T) {
	j := &failingJournal{Memory: journal.NewMemory(), block: make(chan struct{})}
	c, err := New(t.TempDir(), j, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Read(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-c.Ready():
		t.Fatal("cache became ready while replay was blocked")
	default:
	}

	close(j.block)
	require.NoError(t, c.Wait(t.Context()))
	_, err = c.Read(t.Context(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, c.Close())
}

func TestConcurrentDistinctKeys(t *testing.T) {
	dir := t.TempDir()
	const n = 64
	c := newCache(t, dir, journal.NewMemory(), n*1024)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			key := fmt.Sprintf("key-%d", i)
			data := bytes.Repeat([]byte{byte(i)}, 1+rand.IntN(1024))
			if _, err := c.Store(t.Context(), key, bytes.NewReader(data)); err != nil {
				return err
			}

			r, err := c.Read(t.Context(), key)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			defer r.Close()
			f, err := r.Open()
			if err != nil {
				return err
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("%s: read %d bytes, want %d", key, len(got), len(data))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, n, stats.Entries)
	assert.Len(t, dataFiles(t, dir), n)
}

func TestConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	const maxBytes = 4096
	c := newCache(t, dir, journal.NewMemory(), maxBytes)

	var g errgroup.Group
	for i := range 100 {
		g.Go(func() error {
			key := fmt.Sprintf("key-%d", i%10)
			fill := byte('a' + i%10)
			time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)

			data := bytes.Repeat([]byte{fill}, 1+rand.IntN(1024))
			if _, err := c.Store(t.Context(), key, bytes.NewReader(data)); err != nil {
				return err
			}

			r, err := c.Read(t.Context(), key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			defer r.Close()

			f, err := r.Open()
			if err != nil {
				return err
			}
			defer f.Close()
			got, err := io.ReadAll(f)
			if err != nil {
				return err
			}
			if int64(len(got)) != r.Size() || bytes.Count(got, []byte{fill}) != len(got) {
				return fmt.Errorf("%s: corrupted blob of %d bytes", key, len(got))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.Bytes, int64(maxBytes))
	assert.Len(t, dataFiles(t, dir), stats.Entries)

	var total int64
	for _, name := range dataFiles(t, dir) {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		total += info.Size()
	}
	assert.Equal(t, stats.Bytes, total)
}
