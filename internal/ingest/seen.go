package ingest

import "github.com/golang/groupcache/lru"

// SeenCache remembers recently handled message ids so the poller can skip
// store lookups. It never decides whether a message is new. Entries are
// evicted least-recently-used beyond maxEntries, and the whole cache is
// dropped every resetEvery cycles. Not safe for concurrent use.
type SeenCache struct {
	ids        *lru.Cache
	resetEvery int
}

// NewSeenCache creates a cache; maxEntries <= 0 means unbounded size and
// resetEvery <= 0 disables periodic clearing.
func NewSeenCache(maxEntries, resetEvery int) *SeenCache {
	return &SeenCache{ids: lru.New(max(0, maxEntries)), resetEvery: resetEvery}
}

func (s *SeenCache) Has(id string) bool {
	_, ok := s.ids.Get(id)
	return ok
}

func (s *SeenCache) Add(id string) { s.ids.Add(id, struct{}{}) }

func (s *SeenCache) Len() int { return s.ids.Len() }

// EndCycle clears the cache when cycle is a multiple of the reset period and
// reports how many entries were dropped.
func (s *SeenCache) EndCycle(cycle int) (dropped int, cleared bool) {
	if s.resetEvery <= 0 || cycle%s.resetEvery != 0 {
		return 0, false
	}
	dropped = s.ids.Len()
	s.ids.Clear()
	return dropped, true
}
