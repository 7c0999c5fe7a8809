package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	fail     bool
}

func newMemAttemptStore() *memAttemptStore {
	return &memAttemptStore{attempts: map[string][]time.Time{}}
}

func (m *memAttemptStore) InsertRateAttempt(_ context.Context, action, key string, at time.Time) error {
	if m.fail {
		return errors.New("db gone")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := action + "|" + key
	m.attempts[k] = append(m.attempts[k], at)
	return nil
}

func (m *memAttemptStore) CountRateAttemptsSince(_ context.Context, action, key string, since time.Time) (int, error) {
	if m.fail {
		return 0, errors.New("db gone")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.attempts[action+"|"+key] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttemptStore) OldestRateAttemptSince(_ context.Context, action, key string, since time.Time) (time.Time, bool, error) {
	if m.fail {
		return time.Time{}, false, errors.New("db gone")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	found := false
	for _, at := range m.attempts[action+"|"+key] {
		if at.Before(since) {
			continue
		}
		if !found || at.Before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found, nil
}

func TestSlidingLimiterDeniesOverMax(t *testing.T) {
	st := newMemAttemptStore()
	l := NewSlidingLimiter(st)
	p := Policy{Max: 3, Window: 15 * time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "magiclink_email", "a@example.com|1.2.3.4", p)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d should be allowed, d=%+v err=%v", i+1, d, err)
		}
	}
	d, err := l.Allow(context.Background(), "magiclink_email", "a@example.com|1.2.3.4", p)
	if err != nil {
		t.Fatalf("deny is not an error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("4th call should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > p.Window {
		t.Fatalf("retry-after out of range: %v", d.RetryAfter)
	}
	// Another key is unaffected.
	d, err = l.Allow(context.Background(), "magiclink_email", "b@example.com|1.2.3.4", p)
	if err != nil || !d.Allowed {
		t.Fatalf("other key should be allowed, d=%+v err=%v", d, err)
	}
}

func TestSlidingLimiterWindowSlides(t *testing.T) {
	st := newMemAttemptStore()
	l := NewSlidingLimiter(st)
	p := Policy{Max: 2, Window: 10 * time.Minute}

	// Pre-seed attempts that have already aged out of the window.
	old := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_ = st.InsertRateAttempt(context.Background(), "register", "1.2.3.4", old)
	}

	d, err := l.Allow(context.Background(), "register", "1.2.3.4", p)
	if err != nil || !d.Allowed {
		t.Fatalf("aged-out attempts must not count, d=%+v err=%v", d, err)
	}
}

func TestSlidingLimiterFailsClosed(t *testing.T) {
	st := newMemAttemptStore()
	st.fail = true
	l := NewSlidingLimiter(st)

	d, err := l.Allow(context.Background(), "register", "1.2.3.4", Policy{Max: 5, Window: time.Minute})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if d.Allowed {
		t.Fatalf("store failure must deny")
	}
}
