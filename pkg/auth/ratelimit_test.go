package auth

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(tiers map[string]int, defaultRPM int) (*TierLimiter, *time.Time) {
	l := NewTierLimiter(tiers, defaultRPM)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestTierLimiter_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(map[string]int{"limited": 3}, 100)
	id := &Identity{Subject: "alice", Tier: "limited"}

	for i := 0; i < 3; i++ {
		if err := l.Allow(context.Background(), id); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.Allow(context.Background(), id); err != ErrTooManyRequests {
		t.Fatalf("4th request: err = %v, want ErrTooManyRequests", err)
	}
}

func TestTierLimiter_Refill(t *testing.T) {
	l, now := newTestLimiter(map[string]int{"limited": 2}, 100)
	id := &Identity{Subject: "alice", Tier: "limited"}

	l.Allow(context.Background(), id)
	l.Allow(context.Background(), id)
	if err := l.Allow(context.Background(), id); err == nil {
		t.Fatal("expected rejection after burst")
	}

	// 2 per minute refills one token every 30 seconds.
	*now = now.Add(30 * time.Second)
	if err := l.Allow(context.Background(), id); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestTierLimiter_SeparateSubjectsAndTiers(t *testing.T) {
	l, _ := newTestLimiter(map[string]int{"limited": 1}, 1)
	ctx := context.Background()

	alice := &Identity{Subject: "alice", Tier: "limited"}
	bob := &Identity{Subject: "bob", Tier: "limited"}
	aliceDefault := &Identity{Subject: "alice"}

	for _, id := range []*Identity{alice, bob, aliceDefault} {
		if err := l.Allow(ctx, id); err != nil {
			t.Errorf("%s/%s: first request rejected: %v", id.Subject, id.Tier, err)
		}
	}
	if err := l.Allow(ctx, alice); err == nil {
		t.Error("alice: expected rejection")
	}
}

func TestTierLimiter_ZeroDisables(t *testing.T) {
	l, _ := newTestLimiter(map[string]int{"unlimited": 0}, 1)
	id := &Identity{Subject: "svc", Tier: "unlimited"}

	for i := 0; i < 50; i++ {
		if err := l.Allow(context.Background(), id); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
}

func TestTierLimiter_EvictsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(nil, 10)
	ctx := context.Background()

	l.Allow(ctx, &Identity{Subject: "alice"})
	*now = now.Add(idleBucketTTL + time.Second)
	l.Allow(ctx, &Identity{Subject: "bob"})

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["alice:default"]; ok {
		t.Error("idle bucket for alice not evicted")
	}
	if len(l.buckets) != 1 {
		t.Errorf("buckets = %d, want 1", len(l.buckets))
	}
}

func TestTierLimiter_NewBucketSurvivesEviction(t *testing.T) {
	l := NewTierLimiter(map[string]int{"limited": 3}, 100)
	id := &Identity{Subject: "alice", Tier: "limited"}

	rejected := 0
	for i := 0; i < 10; i++ {
		if err := l.Allow(context.Background(), id); err != nil {
			rejected++
		}
	}
	if rejected != 7 {
		t.Errorf("rejected = %d, want 7", rejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 1 {
		t.Errorf("buckets = %d, want 1", len(l.buckets))
	}
}
