package disklru

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Reader is a read transaction on one entry. Its file is kept on disk, even if the entry
// is evicted or replaced meanwhile, until Close is called.
type Reader struct {
	entry  *Entry
	once   sync.Once
	closed atomic.Bool
}

// Size returns the size of the blob in bytes.
func (r *Reader) Size() int64 {
	return r.entry.Size
}

// Open opens the blob for reading. It may be called more than once; every returned
// file must be closed before the Reader is.
func (r *Reader) Open() (io.ReadSeekCloser, error) {
	if r.closed.Load() {
		return nil, os.ErrClosed
	}
	return os.Open(r.entry.path)
}

// Close releases the entry. It is safe to call more than once.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.closed.Store(true)
		r.entry.stopReading()
	})
	return nil
}
