// Package cache provides a small keyed cache for backend views (project
// lists, project detail, artifact lists). The stream manager invalidates
// keys when workflow events make those views stale; consumers re-fetch on
// the next read.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pipewatch/internal/logging"
	"pipewatch/internal/stream"
)

type entry struct {
	value    any
	storedAt time.Time
}

// Store is an LRU cache with per-store TTL.
type Store struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
	logger  logging.Logger
}

var _ stream.Invalidator = (*Store)(nil)

// New builds a store holding up to size entries. A ttl of zero disables
// time-based expiry.
func New(size int, ttl time.Duration, logger logging.Logger) (*Store, error) {
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Store{
		entries: entries,
		ttl:     ttl,
		logger:  logging.OrNop(logger),
	}, nil
}

// Get returns the cached value for key, if present and fresh.
func (s *Store) Get(key string) (any, bool) {
	e, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && time.Since(e.storedAt) > s.ttl {
		s.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value under key.
func (s *Store) Set(key string, value any) {
	s.entries.Add(key, entry{value: value, storedAt: time.Now()})
}

// Invalidate drops the given keys. Implements stream.Invalidator; called
// fire-and-forget from the event path, so it must stay cheap and non-blocking.
func (s *Store) Invalidate(keys ...string) {
	for _, key := range keys {
		if s.entries.Remove(key) {
			s.logger.Debug("invalidated cached view %q", key)
		}
	}
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	return s.entries.Len()
}
