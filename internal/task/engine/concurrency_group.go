package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore for one concurrency key.
// Tokens are pre-filled up to limit; the limit is fixed for the life of the
// semaphore, so a later task asking for a different limit gets the first one.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

func (g *groupSemaphore) idle() bool { return g == nil || len(g.ch) == g.limit }

// groupLimiterStore holds one semaphore per concurrency key.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// tryAcquire takes a token from key's semaphore, creating it on first use.
// A nil semaphore with ok=true means no limit applies.
func (s *groupLimiterStore) tryAcquire(key string, limit int) (gs *groupSemaphore, ok bool) {
	if s == nil || limit <= 0 {
		return nil, true
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs = s.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	if !gs.tryAcquire() {
		return nil, false
	}
	return gs, true
}

// prune drops semaphores nobody holds so per-user maps stay bounded.
func (s *groupLimiterStore) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, gs := range s.groups {
		if gs.idle() {
			delete(s.groups, k)
		}
	}
}

func (s *groupLimiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}
