package ratelimit

import (
	"sync"

	"github.com/rescale/rescale-fetch/internal/logging"
)

// Key identifies one shared bucket: every transfer of the same account that
// talks to the same endpoint over the same connection class draws from it.
type Key struct {
	Account string
	DC      string
	Class   string
}

func (k Key) String() string {
	return k.Account + "/" + k.DC + "/" + k.Class
}

// LimiterStore hands out shared limiters. Limiters are created lazily and
// live as long as the store.
type LimiterStore struct {
	mu        sync.Mutex
	limiters  map[Key]*RateLimiter
	perSecond float64
	burst     int
	logger    *logging.Logger
}

// NewLimiterStore creates a store whose limiters refill at perSecond with the given burst.
func NewLimiterStore(perSecond float64, burst int, logger *logging.Logger) *LimiterStore {
	return &LimiterStore{
		limiters:  make(map[Key]*RateLimiter),
		perSecond: perSecond,
		burst:     burst,
		logger:    logger,
	}
}

// Get returns the limiter for key, creating it on first use.
func (s *LimiterStore) Get(key Key) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[key]; ok {
		return rl
	}
	rl := NewRateLimiter(key.String(), s.perSecond, s.burst, s.logger)
	s.limiters[key] = rl
	return rl
}

// Len returns the number of live limiters.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

