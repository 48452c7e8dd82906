package session

import (
	"math/rand"
	"sync"
	"time"
)

// Policy is the one rate-limit shape shared by the recovery service and
// the health monitor, so the two can never drift apart.
type Policy struct {
	MaxAttempts    int
	Cooldown       time.Duration
	JitterFraction float64
}

// DefaultPolicy mirrors the historical limits: three attempts, thirty
// seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Cooldown: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 30 * time.Second
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		p.JitterFraction = 0
	}
	return p
}

// cooldownFor returns the wait before the next attempt is allowed,
// stretched by up to JitterFraction.
func (p Policy) cooldownFor() time.Duration {
	if p.JitterFraction == 0 {
		return p.Cooldown
	}
	jitter := time.Duration(rand.Float64() * p.JitterFraction * float64(p.Cooldown))
	return p.Cooldown + jitter
}

// limiter tracks attempts against a Policy.
type limiter struct {
	mu       sync.Mutex
	policy   Policy
	attempts int
	last     time.Time
	wait     time.Duration
}

func newLimiter(policy Policy) *limiter {
	return &limiter{policy: policy.normalized()}
}

// allow reports whether another attempt may start now; the reason is
// "max_attempts_reached" or "rate_limited" when it may not.
func (l *limiter) allow(now time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts >= l.policy.MaxAttempts {
		return false, "max_attempts_reached"
	}
	if !l.last.IsZero() && now.Sub(l.last) < l.wait {
		return false, "rate_limited"
	}
	return true, ""
}

func (l *limiter) record(now time.Time) {
	l.mu.Lock()
	l.attempts++
	l.last = now
	l.wait = l.policy.cooldownFor()
	l.mu.Unlock()
}

func (l *limiter) reset() {
	l.mu.Lock()
	l.attempts = 0
	l.last = time.Time{}
	l.wait = 0
	l.mu.Unlock()
}

func (l *limiter) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}
