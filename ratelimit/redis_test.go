package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/neilotoole/slogt"

	"github.com/GetStream/realtime-fanout/ratelimit"
	"github.com/GetStream/realtime-fanout/redis"
)

func TestLimiter_Redis(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	r, err := redis.Connect(ctx, redis.Options{Addr: srv.Addr(), Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	l := ratelimit.New(r, slogt.New(t))
	pol, _ := ratelimit.DefaultPolicies().Get(ratelimit.ActionLogin)

	for i := 1; i <= 5; i++ {
		if !l.AllowPolicy(ctx, pol, "10.0.0.1") {
			t.Errorf("Call %d denied", i)
		}
	}
	if l.AllowPolicy(ctx, pol, "10.0.0.1") {
		t.Error("Call 6 allowed")
	}
	if n, _ := l.CurrentCount(ctx, "10.0.0.1", ratelimit.ActionLogin); n != 6 {
		t.Errorf("CurrentCount = %d, want 6", n)
	}
	if ttl := srv.TTL(ratelimit.Key(ratelimit.ActionLogin, "10.0.0.1")); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	// The window does not slide: once it expires the counter starts over.
	srv.FastForward(time.Minute)
	if !l.AllowPolicy(ctx, pol, "10.0.0.1") {
		t.Error("Call in new window denied")
	}

	if err := l.Reset(ctx, "10.0.0.1", ratelimit.ActionLogin); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.CurrentCount(ctx, "10.0.0.1", ratelimit.ActionLogin); n != 0 {
		t.Errorf("CurrentCount after reset = %d, want 0", n)
	}

	// Unreachable store fails open.
	srv.Close()
	for i := 0; i < 10; i++ {
		if !l.AllowPolicy(ctx, pol, "10.0.0.1") {
			t.Fatal("Unreachable store should fail open")
		}
	}
}

func TestLimiter_RedisRepairsMissingTTL(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	r, err := redis.Connect(ctx, redis.Options{Addr: srv.Addr(), Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	l := ratelimit.New(r, slogt.New(t))
	pol, _ := ratelimit.DefaultPolicies().Get(ratelimit.ActionLogin)
	key := ratelimit.Key(ratelimit.ActionLogin, "10.0.0.2")

	// A counter over the limit that lost its TTL, as left by a write that
	// failed between the increment and the expiry.
	if err := srv.Set(key, "9"); err != nil {
		t.Fatal(err)
	}
	if l.AllowPolicy(ctx, pol, "10.0.0.2") {
		t.Error("Call over the limit allowed")
	}
	if ttl := srv.TTL(key); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	srv.FastForward(time.Minute)
	if !l.AllowPolicy(ctx, pol, "10.0.0.2") {
		t.Error("Call after the repaired window denied")
	}
	if n, _ := l.CurrentCount(ctx, "10.0.0.2", ratelimit.ActionLogin); n != 1 {
		t.Errorf("CurrentCount = %d, want 1", n)
	}
}
