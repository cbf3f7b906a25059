// Package cache provides a namespaced TTL cache for downstream services to
// avoid redundant external calls. Expiry is enforced lazily on read by the
// underlying cache and by a periodic eviction sweep.
package cache

import (
	"context"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
)

// Service is a namespaced expiring cache. All keys are prefixed with the
// namespace so multiple services can share naming conventions without clashes.
type Service[V any] struct {
	namespace string
	ttl       time.Duration
	backend   cache.Cache[string, V]
}

// New makes a cache service with the given namespace and default entry TTL
func New[V any](namespace string, ttl time.Duration, maxKeys int) *Service[V] {
	backend := cache.NewCache[string, V]().WithTTL(ttl)
	if maxKeys > 0 {
		backend = backend.WithMaxKeys(maxKeys).WithLRU()
	}
	return &Service[V]{namespace: namespace, ttl: ttl, backend: backend}
}

// Get returns the cached value if present and not expired
func (s *Service[V]) Get(key string) (V, bool) {
	return s.backend.Get(s.key(key))
}

// Set stores the value with the default TTL
func (s *Service[V]) Set(key string, value V) {
	s.backend.Set(s.key(key), value, s.ttl)
}

// SetTTL stores the value with an entry-specific TTL
func (s *Service[V]) SetTTL(key string, value V, ttl time.Duration) {
	s.backend.Set(s.key(key), value, ttl)
}

// GetOrSet returns the cached value or invokes factory and caches its result.
// Concurrent misses for the same key may each invoke the factory; acceptable
// because cached lookups are idempotent.
func (s *Service[V]) GetOrSet(key string, factory func() (V, error)) (V, error) {
	if v, ok := s.backend.Get(s.key(key)); ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		return v, err
	}
	s.backend.Set(s.key(key), v, s.ttl)
	return v, nil
}

// Invalidate drops the entry for a key
func (s *Service[V]) Invalidate(key string) {
	s.backend.Invalidate(s.key(key))
}

// Purge drops all entries
func (s *Service[V]) Purge() {
	s.backend.Purge()
}

// Len returns the number of entries, expired ones included until swept
func (s *Service[V]) Len() int {
	return s.backend.Len()
}

// Run sweeps expired entries on the given interval until the context is done
func (s *Service[V]) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DEBUG] cache %s eviction stopped: %v", s.namespace, ctx.Err())
			return
		case <-ticker.C:
			s.backend.DeleteExpired()
		}
	}
}

func (s *Service[V]) key(k string) string {
	return s.namespace + ":" + k
}
