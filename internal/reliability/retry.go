package reliability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Attempt is the outcome of one call as seen by a Policy.
type Attempt struct {
	Retry bool
	// After is the wait the server asked for, zero when it gave none.
	After time.Duration
}

// Policy retries an operation with capped exponential backoff.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Do runs fn until it succeeds, reports no retry, or the attempts run out,
// and returns the last error. A server-requested wait beyond Max, or one
// that outlasts the context deadline, ends the loop early.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) (Attempt, error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		var a Attempt
		a, err = fn(ctx)
		if err == nil || !a.Retry || i == attempts-1 {
			return err
		}

		wait := Backoff(i, p.Base, p.Max)
		if a.After > 0 {
			if p.Max > 0 && a.After > p.Max {
				return err
			}
			wait = a.After
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return err
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Backoff is base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}

// RetryableStatus reports whether a provider response status is worth
// another attempt.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyResponse decides whether a failed response should be retried and
// how long the server asked to wait.
func ClassifyResponse(res *http.Response, now time.Time) Attempt {
	if !RetryableStatus(res.StatusCode) {
		return Attempt{}
	}
	return Attempt{Retry: true, After: RetryAfter(res.Header, now)}
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
