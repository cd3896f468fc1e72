package cert

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultValidityTTL is how long a signature check result is remembered.
const DefaultValidityTTL = time.Hour

// ValidityCache remembers signature check results keyed by certificate
// structure, so that identical certificates are verified once. Concurrent
// lookups of the same key share a single verification.
type ValidityCache struct {
	cache         *gocache.Cache
	group         singleflight.Group
	verifications atomic.Int64
}

// NewValidityCache creates a cache whose entries live for ttl. A ttl <= 0
// keeps entries forever.
func NewValidityCache(ttl time.Duration) *ValidityCache {
	if ttl <= 0 {
		return &ValidityCache{cache: gocache.New(gocache.NoExpiration, 0)}
	}
	return &ValidityCache{cache: gocache.New(ttl, 2*ttl)}
}

// Lookup returns the cached result for key, running verify on a miss. The
// second result reports whether the answer came from the cache.
func (vc *ValidityCache) Lookup(key string, verify func() bool) (bool, bool) {
	if v, ok := vc.cache.Get(key); ok {
		return v.(bool), true
	}

	v, _, shared := vc.group.Do(key, func() (interface{}, error) {
		if v, ok := vc.cache.Get(key); ok {
			return v, nil
		}
		vc.verifications.Add(1)
		valid := verify()
		vc.cache.SetDefault(key, valid)
		return valid, nil
	})
	return v.(bool), shared
}

// Verifications returns how many signature checks were actually performed.
func (vc *ValidityCache) Verifications() int64 {
	return vc.verifications.Load()
}

// Len returns the number of cached results.
func (vc *ValidityCache) Len() int {
	return vc.cache.ItemCount()
}

// Flush drops every cached result.
func (vc *ValidityCache) Flush() {
	vc.cache.Flush()
}
