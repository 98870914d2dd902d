package session

import (
	"sync"
	"time"
)

// tokenBucket throttles Ping emission so a flapping liveness timer cannot
// itself contribute to outbound backpressure. Grounded in the teacher's
// tokenBucket (apps/host-agent/internal/heartbeat/ratelimit.go),
// generalized from a per-event-type inbound limiter to a single
// outbound gate guarding one frame kind.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newTokenBucket(maxTokens int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow reports whether one token is available, refilling first.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.lastRefill); elapsed >= b.refillRate && b.tokens < b.maxTokens {
		add := int(elapsed / b.refillRate)
		b.tokens += add
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
