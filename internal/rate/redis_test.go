package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := lim.Allow(ctx, "acct-1")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: expected allow, got %+v %v", i, d, err)
		}
	}

	d, err := lim.Allow(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected rate limited")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("expected RetryAfter > 0")
	}

	// A different account hits a separate bucket.
	if d, err := lim.Allow(ctx, "acct-2"); err != nil || !d.Allowed {
		t.Fatalf("other account should be allowed: %+v %v", d, err)
	}

	s.FastForward(600 * time.Millisecond)
	if d, err := lim.Allow(ctx, "acct-1"); err != nil || !d.Allowed {
		t.Fatalf("expected allow after window: %+v %v", d, err)
	}
}

func TestMemoryLimiter(t *testing.T) {
	lim := NewMemory(1, 50*time.Millisecond)
	ctx := context.Background()

	if d, _ := lim.Allow(ctx, "acct-1"); !d.Allowed {
		t.Fatal("first call should be allowed")
	}
	if d, _ := lim.Allow(ctx, "acct-1"); d.Allowed {
		t.Fatal("second call should be limited")
	}
	time.Sleep(60 * time.Millisecond)
	if d, _ := lim.Allow(ctx, "acct-1"); !d.Allowed {
		t.Fatal("should be allowed after window")
	}
}
