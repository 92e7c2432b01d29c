// Package lru implements a size-bounded map kept in access order.
//
// Capacity is expressed in caller-defined units (bytes, for the disk cache): every entry
// is weighed by a SizeFunc, and once the summed weight exceeds the budget the least
// recently used entries are evicted.
package lru

import (
	"container/list"
	"errors"
	"fmt"
	"iter"
)

// ErrInvalidMaxSize is returned by New when the budget is not positive.
var ErrInvalidMaxSize = errors.New("max size must be positive")

// Reason tells a RemovalFunc why an entry left the cache.
type Reason int

const (
	// Removed means the entry was deleted with Remove.
	Removed Reason = iota
	// Replaced means Put stored a new value under the same key.
	Replaced
	// Evicted means the entry was dropped to stay within the budget.
	Evicted
)

func (r Reason) String() string {
	switch r {
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Removal describes an entry leaving the cache. New is only set for Replaced.
type Removal[K comparable, V any] struct {
	Reason Reason
	Key    K
	Old    V
	New    V
}

// Evicted reports whether the removal was caused by the size budget.
func (r Removal[K, V]) Evicted() bool { return r.Reason == Evicted }

// SizeFunc weighs an entry. It must never return a negative value.
type SizeFunc[K comparable, V any] func(key K, value V) int64

// RemovalFunc is called synchronously, from inside the mutating call, for every entry
// that leaves the cache.
type RemovalFunc[K comparable, V any] func(r Removal[K, V])

// ConsistencyError reports a SizeFunc that returned inconsistent results. It is carried
// by a panic: a broken size function is a programming error, not a runtime condition.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "lru: inconsistent size accounting: " + e.Msg
}

// Options configures a Cache.
type Options[K comparable, V any] struct {
	OnRemoved RemovalFunc[K, V]
}

// Cache is a size-bounded map in access order.
//
// It is not safe for concurrent use; callers serialize access.
type Cache[K comparable, V any] struct {
	list      *list.List
	items     map[K]*list.Element
	sizeOf    SizeFunc[K, V]
	onRemoved RemovalFunc[K, V]
	maxSize   int64
	size      int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	size  int64
}

// New creates a cache holding at most maxSize units as weighed by sizeOf.
func New[K comparable, V any](maxSize int64, sizeOf SizeFunc[K, V], optFns ...func(o *Options[K, V])) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxSize, maxSize)
	}
	if sizeOf == nil {
		return nil, errors.New("size function is required")
	}

	var opts Options[K, V]
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Cache[K, V]{
		list:      list.New(),
		items:     make(map[K]*list.Element),
		sizeOf:    sizeOf,
		onRemoved: opts.OnRemoved,
		maxSize:   maxSize,
	}, nil
}

// SetOnRemoved replaces the removal callback.
func (c *Cache[K, V]) SetOnRemoved(fn RemovalFunc[K, V]) {
	c.onRemoved = fn
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.list.MoveToFront(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Put stores value under key as the most recently used entry and evicts least recently
// used entries until the budget holds again. The new entry itself is evicted when it
// alone exceeds the budget. Put returns the replaced value, if any.
func (c *Cache[K, V]) Put(key K, value V) (V, bool) {
	size := c.safeSizeOf(key, value)
	c.size += size

	var (
		previous V
		replaced bool
	)
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		previous, replaced = ent.value, true
		c.size -= ent.size
		ent.value, ent.size = value, size
		c.list.MoveToFront(elem)
	} else {
		c.items[key] = c.list.PushFront(&entry[K, V]{key: key, value: value, size: size})
	}

	if replaced {
		c.notify(Removal[K, V]{Reason: Replaced, Key: key, Old: previous, New: value})
	}

	c.trim(c.maxSize)
	return previous, replaced
}

// Remove deletes key and returns its value, if present.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := c.unlink(elem)
	c.notify(Removal[K, V]{Reason: Removed, Key: key, Old: ent.value})
	return ent.value, true
}

// TrimToSize evicts least recently used entries until Size is at most target.
// It returns the number of units freed.
func (c *Cache[K, V]) TrimToSize(target int64) int64 {
	target = max(0, min(target, c.maxSize))
	before := c.size
	c.trim(target)
	return before - c.size
}

// Size returns the summed weight of all entries.
func (c *Cache[K, V]) Size() int64 { return c.size }

// MaxSize returns the budget.
func (c *Cache[K, V]) MaxSize() int64 { return c.maxSize }

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.items) }

// All iterates from the least to the most recently used entry without touching the order.
func (c *Cache[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for elem := c.list.Back(); elem != nil; elem = elem.Prev() {
			ent := elem.Value.(*entry[K, V])
			if !yield(ent.key, ent.value) {
				return
			}
		}
	}
}

func (c *Cache[K, V]) String() string {
	return fmt.Sprintf("lru.Cache[maxSize=%d, size=%d]", c.maxSize, c.size)
}

func (c *Cache[K, V]) trim(target int64) {
	for {
		if c.size < 0 || (len(c.items) == 0 && c.size != 0) {
			panic(&ConsistencyError{Msg: fmt.Sprintf("size=%d with %d entries", c.size, len(c.items))})
		}
		if c.size <= target || len(c.items) == 0 {
			return
		}

		ent := c.unlink(c.list.Back())
		c.notify(Removal[K, V]{Reason: Evicted, Key: ent.key, Old: ent.value})
	}
}

func (c *Cache[K, V]) unlink(elem *list.Element) *entry[K, V] {
	ent := c.list.Remove(elem).(*entry[K, V])
	delete(c.items, ent.key)
	c.size -= ent.size
	return ent
}

func (c *Cache[K, V]) notify(r Removal[K, V]) {
	if c.onRemoved != nil {
		c.onRemoved(r)
	}
}

func (c *Cache[K, V]) safeSizeOf(key K, value V) int64 {
	size := c.sizeOf(key, value)
	if size < 0 {
		panic(&ConsistencyError{Msg: fmt.Sprintf("negative size %d for key %v", size, key)})
	}
	return size
}
