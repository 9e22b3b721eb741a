package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter allowing perMinute requests per minute
// with a small burst, or nil when perMinute is not positive.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), min(perMinute, 10))
}

// RateLimited wraps a Client so every request first waits on a shared
// limiter. Ping is not throttled.
type RateLimited struct {
	Client
	limiter *rate.Limiter
}

// WithLimiter wraps c with limiter. A nil limiter returns c unchanged.
func WithLimiter(c Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return c
	}
	return &RateLimited{Client: c, limiter: limiter}
}

// Chat waits for a token and then delegates.
func (r *RateLimited) Chat(ctx context.Context, model string, messages []Message, params Params) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.Client.Chat(ctx, model, messages, params)
}

// ChatStream waits for a token and then delegates.
func (r *RateLimited) ChatStream(ctx context.Context, model string, messages []Message, params Params, callback StreamCallback) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.Client.ChatStream(ctx, model, messages, params, callback)
}
