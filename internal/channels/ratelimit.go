package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked per-chat limiters so a
	// misbehaving agent rotating chat IDs cannot exhaust memory.
	maxTrackedKeys = 4096

	// sendRate/sendBurst bound outbound messages per chat. One message per
	// second sustained with a small burst sits under every platform's flood
	// limits (Telegram allows ~1/s per chat).
	sendRate  = rate.Limit(1)
	sendBurst = 4
)

// SendLimiter rate limits outbound sends per chat key. Safe for concurrent use.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSendLimiter creates an empty per-chat send limiter.
func NewSendLimiter() *SendLimiter {
	return &SendLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the key may send again or ctx is cancelled.
func (s *SendLimiter) Wait(ctx context.Context, key string) error {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		// Hard eviction at the cap; map iteration order gives FIFO-ish churn.
		if len(s.limiters) >= maxTrackedKeys {
			for k := range s.limiters {
				delete(s.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(sendRate, sendBurst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()

	return lim.Wait(ctx)
}
