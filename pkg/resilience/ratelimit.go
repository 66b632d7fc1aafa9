package resilience

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketConfig parameterizes a TokenBucket. RefillRate tokens are
// added every RefillInterval up to MaxTokens.
type TokenBucketConfig struct {
	MaxTokens      int
	RefillRate     int
	RefillInterval time.Duration
}

// TokenBucket is a non-blocking token-bucket rate limiter built on
// rate.Limiter. TryConsume never blocks; callers decide what to do with a
// denial.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	perSecond := float64(cfg.RefillRate) / cfg.RefillInterval.Seconds()
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.MaxTokens),
	}
}

// TryConsume takes one token, reporting whether the call is admitted.
func (b *TokenBucket) TryConsume() bool {
	return b.limiter.Allow()
}

// TryConsumeN takes n tokens at once.
func (b *TokenBucket) TryConsumeN(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}
