package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestLimiter spins up an in-process miniredis instance (grounded in
// jordigilh-kubernaut's test/unit/gateway/middleware/ratelimit_test.go,
// which uses the same library against its own Redis-backed rate
// limiter) so Check's sliding-window algorithm runs against something
// that actually speaks the Redis wire protocol, not a nil client.
func newTestLimiter(t *testing.T, limit int, window time.Duration) *Limiter {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, limit, window)
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(nil, 0, 0)
	if l.limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", l.limit, DefaultLimit)
	}
	if l.window != DefaultWindow {
		t.Errorf("window = %v, want %v", l.window, DefaultWindow)
	}
}

func TestFailOpenAllowsAndReportsRemaining(t *testing.T) {
	l := New(nil, 100, time.Minute)
	res := l.failOpen(time.Now())
	if !res.Allowed {
		t.Error("failOpen should always allow the request")
	}
	if res.Remaining != 99 {
		t.Errorf("Remaining = %d, want 99", res.Remaining)
	}
}

func TestCheckAllowsWithinLimit(t *testing.T) {
	l := newTestLimiter(t, 5, time.Minute)
	tenantID := uuid.New()

	for i := 0; i < 5; i++ {
		res := l.Check(context.Background(), tenantID)
		if !res.Allowed {
			t.Fatalf("request %d: Allowed = false, want true", i)
		}
		if res.Remaining != 5-i-1 {
			t.Errorf("request %d: Remaining = %d, want %d", i, res.Remaining, 5-i-1)
		}
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute)
	tenantID := uuid.New()

	for i := 0; i < 3; i++ {
		if res := l.Check(context.Background(), tenantID); !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	res := l.Check(context.Background(), tenantID)
	if res.Allowed {
		t.Error("request beyond limit should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 {
		t.Error("RetryAfter should be positive once rejected")
	}
}

func TestCheckIsolatesTenants(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)
	tenantA, tenantB := uuid.New(), uuid.New()

	if res := l.Check(context.Background(), tenantA); !res.Allowed {
		t.Fatal("tenantA's first request should be allowed")
	}
	if res := l.Check(context.Background(), tenantA); res.Allowed {
		t.Fatal("tenantA's second request should be rejected")
	}
	if res := l.Check(context.Background(), tenantB); !res.Allowed {
		t.Fatal("tenantB's own window should be untouched by tenantA's usage")
	}
}

func TestCheckSlidesWindowForward(t *testing.T) {
	// Check scores entries at whole-second granularity (now.Unix()), so
	// the window must span at least a couple of seconds for expiry to
	// be observable rather than lost to truncation.
	l := newTestLimiter(t, 1, 2*time.Second)
	tenantID := uuid.New()

	if res := l.Check(context.Background(), tenantID); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	if res := l.Check(context.Background(), tenantID); res.Allowed {
		t.Fatal("second request within the window should be rejected")
	}

	time.Sleep(3 * time.Second)

	if res := l.Check(context.Background(), tenantID); !res.Allowed {
		t.Error("request after the window elapsed should be allowed again")
	}
}
