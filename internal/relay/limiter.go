package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter spaces outbound posts and honours server-side retry-after hints.
type Limiter struct {
	limiter *rate.Limiter

	// extra pause requested by the destination after a rate-limit response
	pauseUntil time.Time
	mu         sync.Mutex
}

// NewLimiter allows one post per interval with a burst of one.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next post is allowed.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	until := l.pauseUntil
	l.mu.Unlock()

	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.limiter.Wait(ctx)
}

// Pause delays every following Wait by at least d.
func (l *Limiter) Pause(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until := time.Now().Add(d); until.After(l.pauseUntil) {
		l.pauseUntil = until
	}
}
