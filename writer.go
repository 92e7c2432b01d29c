package disklru

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lucasew/disklru/internal/errutil"
)

// Writer is a write transaction for one key. The blob becomes visible only when its
// Stream is flushed; closing the Writer without that discards everything written.
type Writer struct {
	cache *Cache
	key   string

	mu     sync.Mutex
	stream *Stream
	closed bool
}

// Key returns the key being written.
func (w *Writer) Key() string {
	return w.key
}

// Open creates the backing file and returns a stream into it. It can only be called once.
func (w *Writer) Open() (*Stream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, os.ErrClosed
	}
	if w.stream != nil {
		return nil, ErrStreamOpen
	}

	fileID := newFileID()
	path := filePath(w.cache.dir, fileID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache file: %w", err)
	}

	w.stream = &Stream{writer: w, file: f, fileID: fileID, path: path}
	return w.stream, nil
}

// Close closes the stream if it is still open and deletes the file unless the stream was
// flushed. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.stream == nil {
		return nil
	}
	return w.stream.finish()
}

// Stream writes the blob of a Writer. Any I/O error fails the transaction for good.
type Stream struct {
	writer *Writer
	file   *os.File
	fileID string
	path   string

	mu        sync.Mutex
	written   int64
	failed    bool
	committed bool
	closed    bool
}

// Write appends p to the blob.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.failed:
		return 0, ErrTransactionFailed
	case s.committed:
		return 0, ErrCommitted
	}

	n, err := s.file.Write(p)
	s.written += int64(n)
	if err != nil {
		s.failed = true
		return n, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return n, nil
}

// Flush makes the data durable and publishes it as the entry for the key, replacing
// any previous one. Later calls after a successful Flush do nothing.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.failed:
		return ErrTransactionFailed
	case s.committed:
		return nil
	case s.closed:
		s.failed = true
		return fmt.Errorf("%w: %w", ErrTransactionFailed, os.ErrClosed)
	}

	if err := s.file.Sync(); err != nil {
		s.failed = true
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	if err := s.writer.cache.publish(s.writer.key, s.fileID, s.written); err != nil {
		s.failed = true
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	s.committed = true
	return nil
}

// Close closes the file. It does not commit.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Stream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		if !s.committed {
			s.failed = true
		}
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	return nil
}

func (s *Stream) finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.closeLocked()
	if s.committed {
		return err
	}

	slog.Debug("Discarding uncommitted write", "key", s.writer.key, "file", s.fileID, "written", s.written)
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
		errutil.ReportError(rmErr, "Failed to remove uncommitted cache file", "file", s.fileID)
	}
	return err
}
