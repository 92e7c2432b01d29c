package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lucasew/disklru/internal/errutil"
)

// FileName is the reserved name of the plain-file journal inside the working directory.
const FileName = "disklru.journal"

const (
	delimiter = "|"
	opPut     = "PUT"
	opRemove  = "REMOVE"
)

// ErrClosed is returned when appending to a closed journal.
var ErrClosed = errors.New("journal closed")

// FileOptions configures a File journal.
type FileOptions struct {
	// Sync fsyncs the log after every append and compaction. Without it a record is
	// only handed to the OS, which survives a process crash but not a power loss.
	Sync bool
}

// DefaultFileOptions are used by OpenFile.
var DefaultFileOptions = FileOptions{
	Sync: true,
}

// WithSync toggles fsync after every append.
func WithSync(sync bool) func(o *FileOptions) {
	return func(o *FileOptions) {
		o.Sync = sync
	}
}

// File is a line-oriented journal:
//
//	PUT|<key>|<fileId>|<sizeBytes>
//	REMOVE|<key>
type File struct {
	mu   sync.Mutex
	path string
	sync bool
	file *os.File
	w    *bufio.Writer
}

// OpenFile opens (creating if needed) the journal in dir.
func OpenFile(dir string, optFns ...func(o *FileOptions)) (*File, error) {
	opts := DefaultFileOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &File{
		path: filepath.Join(dir, FileName),
		sync: opts.Sync,
	}
	if err := j.openAppend(); err != nil {
		return nil, err
	}
	return j, nil
}

// Path returns the location of the log file.
func (j *File) Path() string {
	return j.path
}

func (j *File) openAppend() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is the configured cache dir
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	return nil
}

// Replay reads the log from the top. Lines that do not parse, including a final line
// cut short by a crash, are skipped.
func (j *File) Replay(fn func(Record)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.w != nil {
		if err := j.w.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal: %w", err)
		}
	}

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer func() {
		errutil.LogMsg(f.Close(), "Failed to close journal after replay", "path", j.path)
	}()

	r := bufio.NewReader(f)
	var applied, skipped int
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				slog.Warn("Skipping truncated journal tail", "path", j.path, "bytes", len(line))
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}

		rec, ok := parseLine(strings.TrimRight(line, "\r\n"))
		if !ok {
			skipped++
			continue
		}
		fn(rec)
		applied++
	}

	slog.Debug("Journal replayed", "path", j.path, "records", applied, "skipped", skipped)
	return nil
}

// Compact writes records to a sibling file and renames it over the log.
func (j *File) Compact(records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, rec := range records {
		if err := validate(rec); err != nil {
			return err
		}
		if rec.Op != OpPut {
			return fmt.Errorf("compaction only takes PUT records, got %v for %q", rec.Op, rec.Key)
		}
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // path is the configured cache dir
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.WriteString(encode(rec)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write compacted journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush compacted journal: %w", err)
	}
	if j.sync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to sync compacted journal: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compacted journal: %w", err)
	}

	if j.file != nil {
		errutil.LogMsg(j.closeLocked(), "Failed to close journal before compaction", "path", j.path)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	if j.sync {
		syncDir(filepath.Dir(j.path))
	}

	slog.Debug("Journal compacted", "path", j.path, "records", len(records))
	return j.openAppend()
}

// Append writes and flushes one record.
func (j *File) Append(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}
	if _, err := j.w.WriteString(encode(rec)); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the log. Closing twice is a no-op.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	return j.closeLocked()
}

func (j *File) closeLocked() error {
	flushErr := j.w.Flush()
	closeErr := j.file.Close()
	j.file, j.w = nil, nil
	if flushErr != nil {
		return fmt.Errorf("failed to flush journal: %w", flushErr)
	}
	return closeErr
}

func encode(rec Record) string {
	switch rec.Op {
	case OpPut:
		return opPut + delimiter + rec.Key + delimiter + rec.FileID + delimiter + strconv.FormatInt(rec.Size, 10) + "\n"
	default:
		return opRemove + delimiter + rec.Key + "\n"
	}
}

func parseLine(line string) (Record, bool) {
	parts := strings.Split(line, delimiter)
	switch parts[0] {
	case opPut:
		if len(parts) != 4 || parts[1] == "" || ValidateFileID(parts[2]) != nil {
			return Record{}, false
		}
		size, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || size < 0 {
			return Record{}, false
		}
		return Put(parts[1], parts[2], size), true
	case opRemove:
		if len(parts) != 2 || parts[1] == "" {
			return Record{}, false
		}
		return Remove(parts[1]), true
	default:
		return Record{}, false
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		errutil.LogMsg(err, "Failed to open journal directory for sync", "dir", dir)
		return
	}
	defer func() { _ = d.Close() }()
	errutil.LogMsg(d.Sync(), "Failed to sync journal directory", "dir", dir)
}
