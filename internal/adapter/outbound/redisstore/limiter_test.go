package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client), mr
}

func TestLimiter_AdmitsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	limit := ratelimit.Limit{Max: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		info, err := l.Check(ctx, "api_key:k1", limit)
		if err != nil {
			t.Fatal(err)
		}
		if !info.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if info.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i, info.Remaining, 2-i)
		}
	}

	info, err := l.Check(ctx, "api_key:k1", limit)
	if err != nil {
		t.Fatal(err)
	}
	if info.Allowed {
		t.Error("over-limit request admitted")
	}
	if info.RetryAfter <= 0 {
		t.Errorf("retry_after = %v, want positive", info.RetryAfter)
	}
	if info.ResetAt <= time.Now().Unix() {
		t.Errorf("reset_at = %d, want in the future", info.ResetAt)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	limit := ratelimit.Limit{Max: 1, Window: 100 * time.Millisecond}

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	if info, _ := l.Check(ctx, "user:u1", limit); !info.Allowed {
		t.Fatal("first request denied")
	}
	if info, _ := l.Check(ctx, "user:u1", limit); info.Allowed {
		t.Fatal("second request admitted inside window")
	}

	now = base.Add(150 * time.Millisecond)
	if info, _ := l.Check(ctx, "user:u1", limit); !info.Allowed {
		t.Error("request denied after window slid")
	}
}

func TestLimiter_IdentifiersIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	limit := ratelimit.Limit{Max: 1, Window: time.Minute}

	if info, _ := l.Check(ctx, "ip:1.1.1.1", limit); !info.Allowed {
		t.Fatal("first ip denied")
	}
	if info, _ := l.Check(ctx, "ip:2.2.2.2", limit); !info.Allowed {
		t.Error("distinct identifier shares a window")
	}
}

func TestLimiter_SurfacesStoreErrors(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	_, err := l.Check(context.Background(), "user:u1", ratelimit.Limit{Max: 5, Window: time.Minute})
	if err == nil {
		t.Error("expected error from closed backing store")
	}
}

func TestLimiter_ZeroMaxUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	info, err := l.Check(context.Background(), "user:u1", ratelimit.Limit{})
	if err != nil || !info.Allowed || info.Limit != -1 {
		t.Errorf("info=%+v err=%v", info, err)
	}
}
