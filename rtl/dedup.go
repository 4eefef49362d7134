package rtl

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupCache remembers the rqids of recently-completed response-expecting
// requests purely so the completion dispatcher can tell a duplicate
// response (the peer resent something we already matched) apart from a
// truly unexpected one (no request with that rqid was ever pending).
// This is a classification aid for logging only, per invariant 7 of
// spec.md §3 ("duplicate... dropped with a warning") — it never affects
// correctness, since a duplicate is dropped either way.
type dedupCache struct {
	cache *lru.Cache[uint16, time.Time]
	ttl   time.Duration
}

func newDedupCache(size int, ttl time.Duration) *dedupCache {
	c, err := lru.New[uint16, time.Time](size)
	if err != nil {
		// size <= 0 is a programmer error; fall back to a minimal cache
		// rather than letting a misconfiguration crash request handling.
		c, _ = lru.New[uint16, time.Time](1)
	}
	return &dedupCache{cache: c, ttl: ttl}
}

func (d *dedupCache) markCompleted(rqid uint16) {
	d.cache.Add(rqid, time.Now())
}

func (d *dedupCache) isRecentDuplicate(rqid uint16) bool {
	at, ok := d.cache.Get(rqid)
	if !ok {
		return false
	}
	return time.Since(at) < d.ttl
}
