package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GetStream/realtime-fanout/metrics"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// memstore is an in-memory Store recording the TTLs it was given.
type memstore struct {
	mu      sync.Mutex
	counts  map[string]int64
	ttls    map[string]time.Duration
	expires int
	err     error
}

func newMemstore() *memstore {
	return &memstore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (s *memstore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.counts[key]++
	if _, ok := s.ttls[key]; !ok {
		s.expires++
		s.ttls[key] = window
	}
	return s.counts[key], nil
}

func (s *memstore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.counts[key], nil
}

func (s *memstore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.counts, key)
	delete(s.ttls, key)
	return nil
}

func TestLimiter_Boundary(t *testing.T) {
	ctx := context.Background()
	store := newMemstore()
	m := metrics.New(nil)
	l := New(store, slogt.New(t), WithMetrics(m))

	for i := 1; i <= 5; i++ {
		if !l.Allow(ctx, "1.2.3.4", ActionLogin, 5, time.Minute) {
			t.Errorf("Call %d denied, want allowed", i)
		}
	}
	if l.Allow(ctx, "1.2.3.4", ActionLogin, 5, time.Minute) {
		t.Error("Call 6 allowed, want denied")
	}

	n, err := l.CurrentCount(ctx, "1.2.3.4", ActionLogin)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("CurrentCount = %d, want 6", n)
	}
	if got := testutil.ToFloat64(m.RateLimitRejected.WithLabelValues(ActionLogin)); got != 1 {
		t.Errorf("Rejections = %v, want 1", got)
	}

	if err := l.Reset(ctx, "1.2.3.4", ActionLogin); err != nil {
		t.Fatal(err)
	}
	if !l.Allow(ctx, "1.2.3.4", ActionLogin, 5, time.Minute) {
		t.Error("Call after reset denied, want allowed")
	}
}

func TestLimiter_FixedWindowTTL(t *testing.T) {
	ctx := context.Background()
	store := newMemstore()
	l := New(store, slogt.New(t))

	for i := 0; i < 4; i++ {
		l.Allow(ctx, "u1", ActionMessageSend, 60, 30*time.Second)
	}
	if store.expires != 1 {
		t.Errorf("TTL set %d times, want 1", store.expires)
	}
	if got := store.ttls[Key(ActionMessageSend, "u1")]; got != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", got)
	}
}

func TestLimiter_CounterWithoutTTL(t *testing.T) {
	ctx := context.Background()
	store := newMemstore()
	key := Key(ActionLogin, "1.2.3.4")
	store.counts[key] = 9
	l := New(store, slogt.New(t))

	if l.Allow(ctx, "1.2.3.4", ActionLogin, 5, time.Minute) {
		t.Error("Call over the limit allowed")
	}
	if got := store.ttls[key]; got != time.Minute {
		t.Errorf("TTL = %v, want 1m", got)
	}
}

func TestLimiter_IsolatedKeys(t *testing.T) {
	ctx := context.Background()
	l := New(newMemstore(), slogt.New(t))

	for i := 0; i < 2; i++ {
		l.Allow(ctx, "u1", ActionWSTyping, 2, time.Minute)
	}
	if l.Allow(ctx, "u1", ActionWSTyping, 2, time.Minute) {
		t.Error("Third typing call for u1 allowed")
	}
	if !l.Allow(ctx, "u2", ActionWSTyping, 2, time.Minute) {
		t.Error("Other identifier should have its own counter")
	}
	if !l.Allow(ctx, "u1", ActionWSReaction, 2, time.Minute) {
		t.Error("Other action should have its own counter")
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemstore()
	store.err = errors.New("connection refused")
	m := metrics.New(nil)
	l := New(store, slogt.New(t), WithMetrics(m))

	for i := 0; i < 10; i++ {
		if !l.Allow(ctx, "u1", ActionMessageSend, 1, time.Minute) {
			t.Fatalf("Call %d denied with unreachable store", i+1)
		}
	}
	if got := testutil.ToFloat64(m.RateLimitErrors.WithLabelValues(ActionMessageSend)); got != 10 {
		t.Errorf("Store errors = %v, want 10", got)
	}
	if _, err := l.CurrentCount(ctx, "u1", ActionMessageSend); err == nil {
		t.Error("CurrentCount should report the store error")
	}
	if err := l.Reset(ctx, "u1", ActionMessageSend); err == nil {
		t.Error("Reset should report the store error")
	}
}

// slowstore blocks until the context is done.
type slowstore struct{ memstore }

func (s *slowstore) IncrWindow(ctx context.Context, _ string, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestLimiter_Timeout(t *testing.T) {
	l := New(&slowstore{}, slogt.New(t), WithTimeout(10*time.Millisecond))

	start := time.Now()
	if !l.Allow(context.Background(), "u1", ActionWSTyping, 1, time.Minute) {
		t.Error("Slow store should fail open")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Allow took %v, want bounded by timeout", elapsed)
	}
}

func TestPolicies_Override(t *testing.T) {
	p := DefaultPolicies()
	p.Override(ActionLogin, 3, 0)
	got, _ := p.Get(ActionLogin)
	if got.Max != 3 || got.Window != time.Minute || got.Identifier != ByIP {
		t.Errorf("Override(login) = %+v", got)
	}

	p.Override("custom", 7, time.Second)
	got, ok := p.Get("custom")
	if !ok || got.Max != 7 || got.Window != time.Second || got.Identifier != ByUser {
		t.Errorf("Override(custom) = %+v, %v", got, ok)
	}
}
