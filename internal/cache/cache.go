// Package cache is a reference commit handler: it applies the three opaque
// mutation types (set, delete, evict) against a ristretto in-memory cache.
// It stands in for a production ARC cache so the engine has a concrete
// collaborator to drive in tests and in cmd/kepaxosd.
package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Command type bytes carried in wire.Message.CmdType. 0 is reserved by
// the wire format for control frames so application types start at 1.
const (
	Set byte = iota + 1
	Delete
	Evict
)

// DefaultCost is charged against ristretto's cost budget per entry; this
// handler doesn't vary cost by payload size, so MaxCost bounds the number
// of entries rather than their total size.
const DefaultCost = 1

// Store wraps a ristretto cache and exposes an engine.CommitFunc.
type Store struct {
	cache *ristretto.Cache[string, []byte]
}

// New builds a Store with room for roughly maxItems entries.
func New(maxItems int64) (*Store, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Store{cache: c}, nil
}

// Close releases ristretto's background goroutines.
func (s *Store) Close() {
	s.cache.Close()
}

// Get returns the current value for key, if present.
func (s *Store) Get(key []byte) ([]byte, bool) {
	return s.cache.Get(string(key))
}

// Apply implements engine.CommitFunc: it is invoked once per committed
// command, on leader and follower alike, and must be idempotent under
// replay since a follower applies a duplicate COMMIT for the seq it has
// already recorded again.
func (s *Store) Apply(cmdType byte, key, data []byte, leader bool) error {
	k := string(key)
	switch cmdType {
	case Set:
		s.cache.SetWithTTL(k, data, DefaultCost, 0)
		s.cache.Wait()
	case Delete, Evict:
		s.cache.Del(k)
	default:
		return fmt.Errorf("cache: unknown command type %d", cmdType)
	}
	return nil
}
