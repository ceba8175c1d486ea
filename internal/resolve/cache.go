package resolve

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"fortigate-policy-export/internal/model"
)

// Cache memoizes resolution results for one run. It is created empty at
// pipeline start and discarded with the run; it is never shared across
// runs. Concurrent first accesses of the same identifier compute at most
// once.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.ResolvedField
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]model.ResolvedField)}
}

// Do returns the cached result for key, computing it via fn on first
// access. Concurrent callers for the same key share a single computation.
func (c *Cache) Do(key string, fn func() model.ResolvedField) model.ResolvedField {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return v
	}

	res, _, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		v, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}
		v = fn()
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})
	return res.(model.ResolvedField)
}

// Len reports the number of memoized identifiers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
