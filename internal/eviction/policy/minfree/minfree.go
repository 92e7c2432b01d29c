package minfree

import (
	"fmt"
	"log/slog"
	"syscall"
)

// Policy triggers eviction when free space on the cache volume drops below a threshold.
// It never asks for more than the cache holds.
type Policy struct {
	Path         string
	MinFreeBytes int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	free, err := FreeBytes(m.Path)
	if err != nil {
		return 0, err
	}

	slog.Debug("Disk space check", "path", m.Path, "free_bytes", free, "min_required", m.MinFreeBytes)

	if free < m.MinFreeBytes {
		return min(m.MinFreeBytes-free, currentSize), nil
	}
	return 0, nil
}

// FreeBytes returns the space available to unprivileged users on the volume of path.
func FreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
