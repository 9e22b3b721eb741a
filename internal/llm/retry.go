package llm

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	backoffBase   = time.Second
	backoffCap    = 32 * time.Second
	backoffJitter = 0.2
)

// withRetry calls fn until it returns a non-retriable status or the
// retry budget is spent. Only status codes are retried; transport
// errors are returned immediately because the request may already have
// reached the provider. The final response is returned unread so the
// caller can report its body.
func withRetry(ctx context.Context, maxRetries int, fn func() (*http.Response, error)) (*http.Response, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := fn()
		if err != nil {
			return nil, err
		}

		if !isRetriableStatus(r.StatusCode) || attempt >= maxRetries {
			return r, nil
		}
		d := retryDelay(attempt, r.Header.Get("Retry-After"))
		if r.Body != nil {
			_ = r.Body.Close()
		}
		if err := waitForRetry(ctx, d); err != nil {
			return nil, err
		}
		attempt++
	}
}

func isRetriableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		529: // provider overloaded
		return true
	}
	return false
}

func retryDelay(attempt int, header string) time.Duration {
	if d, ok := parseRetryAfter(strings.TrimSpace(header)); ok {
		return d
	}
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(float64(d)*backoffJitter*rand.Float64())
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if s, err := strconv.Atoi(v); err == nil {
		if s < 0 {
			s = 0
		}
		return time.Duration(s) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(time.Until(t), 0), true
}

func waitForRetry(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
