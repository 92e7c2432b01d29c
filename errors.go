package disklru

import (
	"errors"

	"github.com/lucasew/disklru/journal"
)

var (
	// ErrNotFound is returned by Read when the key is not cached, including when its
	// backing file has disappeared from disk.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCapacity is returned by New when maxBytes is not positive.
	ErrInvalidCapacity = errors.New("capacity must be positive")

	// ErrInvalidKey is returned for keys the journal cannot store.
	ErrInvalidKey = journal.ErrInvalidKey

	// ErrInit wraps the failure of the background initialization. Every call made
	// after a failed initialization returns it.
	ErrInit = errors.New("cache initialization failed")

	// ErrTransactionFailed is returned by a Stream once an I/O error has occurred on it.
	// The write is discarded when its Writer is closed.
	ErrTransactionFailed = errors.New("write transaction failed")

	// ErrStreamOpen is returned when Writer.Open is called twice.
	ErrStreamOpen = errors.New("writer already opened")

	// ErrCommitted is returned when writing to a Stream that was already flushed.
	ErrCommitted = errors.New("write transaction already committed")
)
