package engine

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiterStore is a token bucket per concurrency key, limiting how often
// tasks for one key may start.
type keyLimiterStore struct {
	mu   sync.Mutex
	lims map[string]*keyLimiter
}

type keyLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// reserve takes one token for key and returns how long the caller must wait
// before starting. The token stays consumed; callers that wait must not
// reserve again.
func (s *keyLimiterStore) reserve(key string, perSec float64, burst int, now time.Time) time.Duration {
	k := strings.TrimSpace(key)
	if k == "" || perSec <= 0 {
		return 0
	}
	if burst <= 0 {
		burst = 1
	}

	s.mu.Lock()
	if s.lims == nil {
		s.lims = make(map[string]*keyLimiter)
	}
	kl := s.lims[k]
	if kl == nil || kl.lim.Limit() != rate.Limit(perSec) || kl.lim.Burst() != burst {
		kl = &keyLimiter{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
		s.lims[k] = kl
	}
	kl.lastUsed = now
	r := kl.lim.ReserveN(now, 1)
	s.mu.Unlock()

	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

// prune forgets limiters unused for longer than idle.
func (s *keyLimiterStore) prune(now time.Time, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, kl := range s.lims {
		if now.Sub(kl.lastUsed) > idle {
			delete(s.lims, k)
		}
	}
}
