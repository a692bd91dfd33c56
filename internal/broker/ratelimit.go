// ratelimit.go implements token-bucket rate limiting for the Alpaca API.
//
// Alpaca enforces 200 requests per minute on the trading API. Two buckets
// are maintained so a burst of order-status polls cannot starve order
// placement:
//   - Trading: 60 burst / 3 per sec (orders, account, positions)
//   - Data:    100 burst / 5 per sec (latest trade/quote, clock)
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Alpaca endpoint category.
type RateLimiter struct {
	Trading *TokenBucket // orders, account, positions
	Data    *TokenBucket // latest trade/quote, clock
}

// NewRateLimiter creates rate limiters tuned below Alpaca's 200/min cap,
// leaving headroom for the per-order monitor goroutines.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trading: NewTokenBucket(60, 3),
		Data:    NewTokenBucket(100, 5),
	}
}
