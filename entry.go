package disklru

import (
	"log/slog"
	"os"
	"sync"

	"github.com/lucasew/disklru/internal/errutil"
)

// Entry is the metadata of one cached blob. It owns its backing file until it has been
// removed from the cache and the last reader has let go of it.
type Entry struct {
	FileID string
	Size   int64

	path string

	mu            sync.Mutex
	readers       int
	pendingDelete bool
	deleted       bool
}

func newEntry(dir, fileID string, size int64) *Entry {
	return &Entry{
		FileID: fileID,
		Size:   size,
		path:   filePath(dir, fileID),
	}
}

// Readers returns the number of open readers.
func (e *Entry) Readers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readers
}

func (e *Entry) startReading() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readers++
}

func (e *Entry) stopReading() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readers == 0 {
		return
	}
	e.readers--
	if e.readers == 0 && e.pendingDelete {
		e.deleteLocked()
	}
}

// requestDelete deletes the backing file now, or once the last reader closes.
func (e *Entry) requestDelete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readers > 0 {
		e.pendingDelete = true
		slog.Debug("Deferring file deletion until readers close", "file", e.FileID, "readers", e.readers)
		return
	}
	e.deleteLocked()
}

func (e *Entry) deleteLocked() {
	if e.deleted {
		return
	}
	e.deleted = true
	e.pendingDelete = false

	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		errutil.ReportError(err, "Failed to remove cache file", "file", e.FileID)
	}
}
