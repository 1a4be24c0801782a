package rules

import (
	"context"
	"time"
)

// CacheKey identifies one applicable-rules list.
type CacheKey struct {
	CompanyID  int64
	EntityType string
	EventType  string
}

// RulesCache provides an abstraction for caching applicable rule lists
// This allows swapping between in-memory, Redis, or other caching implementations
type RulesCache interface {
	// Get retrieves cached rules; ok is false on a miss or an expired entry
	Get(key CacheKey) (rules []*Rule, ok bool)

	// Set stores rules in cache
	Set(key CacheKey, rules []*Rule)

	// Generation returns a counter that grows with every invalidation touching the company
	Generation(companyID int64) uint64

	// SetIfCurrent stores rules only if the company's generation still equals generation
	SetIfCurrent(key CacheKey, generation uint64, rules []*Rule) bool

	// Invalidate drops every entry of one company
	Invalidate(companyID int64)

	// InvalidateAll clears the cache
	InvalidateAll()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}

// CachedRepository serves applicable rules from a cache, falling back to the
// wrapped repository on a miss. Writers must invalidate the company they change.
type CachedRepository struct {
	repo  RuleRepository
	cache RulesCache
}

// NewCachedRepository wraps repo with cache
func NewCachedRepository(repo RuleRepository, cache RulesCache) *CachedRepository {
	return &CachedRepository{repo: repo, cache: cache}
}

// GetApplicableRules returns the cached list or loads and caches it.
// Repository errors are returned as-is and nothing is cached. A list loaded
// while the company was invalidated is returned but not cached.
func (c *CachedRepository) GetApplicableRules(ctx context.Context, companyID int64, entityType, eventType string) ([]*Rule, error) {
	key := CacheKey{CompanyID: companyID, EntityType: entityType, EventType: eventType}
	if rules, ok := c.cache.Get(key); ok {
		return rules, nil
	}

	generation := c.cache.Generation(companyID)
	rules, err := c.repo.GetApplicableRules(ctx, companyID, entityType, eventType)
	if err != nil {
		return nil, err
	}
	c.cache.SetIfCurrent(key, generation, rules)
	return rules, nil
}
