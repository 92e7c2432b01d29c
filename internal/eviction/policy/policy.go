// Package policy defines the capacity checks the eviction manager runs.
package policy

// Policy decides whether the cache should shrink.
type Policy interface {
	// BytesToFree returns the number of bytes that should be evicted given the bytes
	// currently cached. Returns 0 if no eviction is needed.
	BytesToFree(currentSize int64) (int64, error)
}
