// Package journal defines the append-only log that makes a disk cache crash-safe.
//
// A journal records every publish (PUT) and removal (REMOVE) of a cache entry. On
// startup the cache replays it to rebuild its index, then compacts it down to the live
// entries so the log does not grow with the cache's history.
package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys or file IDs that cannot be journaled.
var ErrInvalidKey = errors.New("invalid key")

// Op is the kind of a journal record.
type Op uint8

const (
	OpPut Op = iota + 1
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return opPut
	case OpRemove:
		return opRemove
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Record is a single journal line.
type Record struct {
	Op     Op
	Key    string
	FileID string // OpPut only
	Size   int64  // OpPut only
}

// Put builds an OpPut record.
func Put(key, fileID string, size int64) Record {
	return Record{Op: OpPut, Key: key, FileID: fileID, Size: size}
}

// Remove builds an OpRemove record.
func Remove(key string) Record {
	return Record{Op: OpRemove, Key: key}
}

// Journal is the durable log behind a cache.
//
// Implementations are used by a single cache, which serializes calls.
type Journal interface {
	// Replay calls fn for every record in append order. Malformed records are skipped.
	Replay(fn func(Record)) error
	// Compact replaces the whole log with the given PUT records.
	Compact(records []Record) error
	// Append adds one record. Once it returns nil the record survives a crash.
	Append(rec Record) error
	// Close flushes and releases the journal.
	Close() error
}

// ValidateKey checks that key can be stored in a journal line.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, delimiter+"\r\n") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, key)
	}
	return nil
}

// ValidateFileID checks that id names a file directly inside the working directory.
func ValidateFileID(id string) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: file id %q is not a bare file name", ErrInvalidKey, id)
	}
	return nil
}

func validate(rec Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}
	switch rec.Op {
	case OpPut:
		if err := ValidateFileID(rec.FileID); err != nil {
			return fmt.Errorf("file id: %w", err)
		}
		if rec.Size < 0 {
			return fmt.Errorf("negative size %d for %q", rec.Size, rec.Key)
		}
	case OpRemove:
	default:
		return fmt.Errorf("unknown op %v", rec.Op)
	}
	return nil
}
