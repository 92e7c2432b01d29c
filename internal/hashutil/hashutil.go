// Package hashutil maps digest algorithm names, as used in ?algo= parameters and proxy
// rules, to hash constructors.
package hashutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"slices"
	"sync"
)

type HashFactory func() hash.Hash

var (
	mu       sync.RWMutex
	registry = map[string]HashFactory{
		"sha1":   sha1.New, // npm shasum
		"sha256": sha256.New,
		"sha384": sha512.New384,
		"sha512": sha512.New,
	}
)

func Register(name string, factory HashFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

func GetHasher(name string) (hash.Hash, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names lists the supported algorithms.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
