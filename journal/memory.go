package journal

import (
	"slices"
	"sync"
)

// Memory keeps records in a slice. It is not durable; it backs tests and caches whose
// contents may be lost with the process.
type Memory struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Replay(fn func(Record)) error {
	m.mu.Lock()
	records := slices.Clone(m.records)
	m.mu.Unlock()

	for _, rec := range records {
		fn(rec)
	}
	return nil
}

func (m *Memory) Compact(records []Record) error {
	for _, rec := range records {
		if err := validate(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = slices.Clone(records)
	m.closed = false
	return nil
}

func (m *Memory) Append(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, rec)
	return nil
}

// Close marks the journal closed. Records are kept, so a new cache can replay them.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Records returns a copy of the log.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}
