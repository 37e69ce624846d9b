package relay

import (
	"sync"
	"time"
)

// dedupTTL is how long a clientRequestId stays remembered.
const dedupTTL = 10 * time.Minute

// dedupGCThreshold triggers opportunistic cleanup of expired ids.
const dedupGCThreshold = 4096

// dedupCache suppresses retried client requests by clientRequestId.
type dedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen records id and reports whether it was already seen within the TTL.
func (d *dedupCache) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if len(d.seen) > dedupGCThreshold {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	d.seen[id] = now
	return false
}
