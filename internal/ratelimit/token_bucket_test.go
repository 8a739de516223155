package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) (*AccountLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewAccountLimiter(client, capacity, refill, time.Hour), mr
}

func TestAllowConsumesBucket(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, 3, 0)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d denied within capacity", i)
		}
	}

	ok, err := l.Allow(ctx, "alice")
	if err != nil {
		t.Fatalf("allow over capacity: %v", err)
	}
	if ok {
		t.Error("request beyond capacity was allowed")
	}
}

func TestBucketsAreIsolatedPerAccount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, 1, 0)

	if ok, _ := l.Allow(ctx, "alice"); !ok {
		t.Fatal("alice's first request denied")
	}
	if ok, _ := l.Allow(ctx, "alice"); ok {
		t.Fatal("alice's bucket should be empty")
	}
	if ok, _ := l.Allow(ctx, "bob"); !ok {
		t.Error("bob must have his own bucket")
	}
}

func TestBucketRefills(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, 1, 1000)

	if ok, _ := l.Allow(ctx, "alice"); !ok {
		t.Fatal("first request denied")
	}
	// At 1000 tokens/s the bucket is full again within a few milliseconds.
	time.Sleep(10 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "alice"); !ok {
		t.Error("bucket did not refill")
	}
}
