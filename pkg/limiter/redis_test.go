package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Requires a reachable Redis; skipped otherwise.
func TestRedis_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	lim := NewRedis(client, 1, 1)
	key := "itest-" + time.Now().Format("150405.000000000")

	allowed, err := lim.Allow(ctx, key)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Error("fresh bucket should allow")
	}

	allowed, err = lim.Allow(ctx, key)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Error("burst of one should deny the second call")
	}

	time.Sleep(1100 * time.Millisecond)
	allowed, err = lim.Allow(ctx, key)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Error("bucket should refill after a second")
	}
}
