// Package maxsize trims the cache toward a soft target below its hard budget, so that
// bursts of writes evict in the background instead of on the write path.
package maxsize

type Policy struct {
	TargetBytes int64
}

func (p *Policy) BytesToFree(currentSize int64) (int64, error) {
	return max(currentSize-p.TargetBytes, 0), nil
}
