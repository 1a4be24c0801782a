package rules

import (
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[CacheKey]cacheEntry
	// generations counts invalidations per company; epoch counts InvalidateAll calls
	generations map[int64]uint64
	epoch       uint64
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries:     make(map[CacheKey]cacheEntry),
		generations: make(map[int64]uint64),
		config:      config,
		now:         time.Now,
	}
}

// Get retrieves cached rules
func (c *InMemoryRulesCache) Get(key CacheKey) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	// Check TTL if configured
	if c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy, true
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(key CacheKey, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(key, rules)
}

// Generation returns the company's invalidation counter
func (c *InMemoryRulesCache) Generation(companyID int64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation(companyID)
}

// SetIfCurrent stores rules unless the company was invalidated after generation was read
func (c *InMemoryRulesCache) SetIfCurrent(key CacheKey, generation uint64, rules []*Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation(key.CompanyID) != generation {
		return false
	}
	c.store(key, rules)
	return true
}

func (c *InMemoryRulesCache) generation(companyID int64) uint64 {
	return c.generations[companyID] + c.epoch
}

func (c *InMemoryRulesCache) store(key CacheKey, rules []*Rule) {
	// Store copy to prevent external modifications
	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[key] = cacheEntry{rules: stored, cachedAt: c.now()}
}

// Invalidate drops all entries of a company
func (c *InMemoryRulesCache) Invalidate(companyID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[companyID]++
	for key := range c.entries {
		if key.CompanyID == companyID {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll clears the cache
func (c *InMemoryRulesCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[CacheKey]cacheEntry)
	c.epoch++
}

// Len returns the number of cached lists, expired ones included
func (c *InMemoryRulesCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
