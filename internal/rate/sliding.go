package rate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable wraps counter-store failures. Callers must treat it as
// a denial: the limiter fails closed.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// AttemptStore persists attempt timestamps per (action, key).
type AttemptStore interface {
	InsertRateAttempt(ctx context.Context, action, key string, at time.Time) error
	CountRateAttemptsSince(ctx context.Context, action, key string, since time.Time) (int, error)
	OldestRateAttemptSince(ctx context.Context, action, key string, since time.Time) (time.Time, bool, error)
}

// Policy caps attempts per key within a trailing window.
type Policy struct {
	Max    int
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// SlidingLimiter counts stored timestamps inside the trailing window, so the
// window slides with "now" instead of resetting at bucket boundaries.
type SlidingLimiter struct {
	st AttemptStore
}

func NewSlidingLimiter(st AttemptStore) *SlidingLimiter {
	return &SlidingLimiter{st: st}
}

// Allow records the attempt and decides whether it is within policy. When
// the store is unreachable it returns a deny wrapped in ErrStoreUnavailable
// rather than silently letting traffic through.
func (l *SlidingLimiter) Allow(ctx context.Context, action, key string, p Policy) (Decision, error) {
	now := time.Now().UTC()
	since := now.Add(-p.Window)

	count, err := l.st.CountRateAttemptsSince(ctx, action, key, since)
	if err != nil {
		return Decision{Allowed: false}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count >= p.Max {
		retry := p.Window
		if oldest, ok, err := l.st.OldestRateAttemptSince(ctx, action, key, since); err == nil && ok {
			retry = oldest.Add(p.Window).Sub(now)
			if retry < time.Second {
				retry = time.Second
			}
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	if err := l.st.InsertRateAttempt(ctx, action, key, now); err != nil {
		return Decision{Allowed: false}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decision{Allowed: true}, nil
}
