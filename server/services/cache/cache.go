// Package cache keeps decoded values in memory so hot paths skip repeated decoding.
package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Backend stores cached values by key.
//
//go:generate mockery
type Backend interface {
	Get(key string) (any, bool)
	Set(key string, value any) bool
}

type ristrettoBackend struct {
	c *ristretto.Cache[string, any]
}

func (rb *ristrettoBackend) Get(key string) (any, bool) {
	return rb.c.Get(key)
}

// Set stores a value. The value is visible to Get once Set returns.
func (rb *ristrettoBackend) Set(key string, value any) bool {
	ok := rb.c.Set(key, value, 1)
	rb.c.Wait()
	return ok
}

// NewRistrettoBackend constructs a ristretto backend holding at most maxEntries values.
func NewRistrettoBackend(maxEntries int64) (Backend, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise ristretto cache: %w", err)
	}
	return &ristrettoBackend{c: c}, nil
}

// Cache fronts a Backend.
type Cache struct {
	backend Backend
}

// New constructs a Cache over a backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// NewDefinitionCache constructs the cache of decoded process definitions.
func NewDefinitionCache() (*Cache, error) {
	backend, err := NewRistrettoBackend(10_000)
	if err != nil {
		return nil, fmt.Errorf("definition cache: %w", err)
	}
	return New(backend), nil
}

// Cacheable returns the cached value for key, calling fn and caching its result on a miss.
// Errors from fn are not cached.
//
//nolint:ireturn
func Cacheable[V any](key string, fn func() (V, error), c *Cache) (V, error) {
	if v, ok := c.backend.Get(key); ok {
		if typed, ok := v.(V); ok {
			return typed, nil
		}
	}
	v, err := fn()
	if err != nil {
		var zero V
		return zero, fmt.Errorf("load cacheable value for key %s: %w", key, err)
	}
	c.backend.Set(key, v)
	return v, nil
}
