// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGate_Burst(t *testing.T) {
	// 5 requests per second, burst of 2
	g := NewGate(5, 2)

	if !g.limiter.Allow() {
		t.Error("First request should be allowed")
	}
	if !g.limiter.Allow() {
		t.Error("Second request (within burst) should be allowed")
	}
	if g.limiter.Allow() {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !g.limiter.Allow() {
		t.Error("Request after token refill should be allowed")
	}
}

func TestGate_SharedAcrossGoroutines(t *testing.T) {
	g := NewGate(50, 1)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Wait(ctx); err != nil {
				t.Errorf("Wait failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// One token is available immediately; the other five need 20ms each.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("6 waits at 50 rps finished in %v, expected at least 100ms", elapsed)
	}
}

func TestGate_WaitHonorsContext(t *testing.T) {
	g := NewGate(0.1, 1)
	g.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := g.Wait(ctx); err == nil {
		t.Error("Wait should fail when the next token is beyond the deadline")
	}
}

func TestGate_Unlimited(t *testing.T) {
	g := NewGate(0, 0)
	for i := 0; i < 1000; i++ {
		if !g.limiter.Allow() {
			t.Fatalf("request %d should be allowed without a limit", i)
		}
	}
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.get("https://a.example").Allow() {
		t.Error("First request to a should be allowed")
	}
	if !limiter.get("https://b.example").Allow() {
		t.Error("First request to b should be allowed")
	}
	if limiter.get("https://a.example").Allow() {
		t.Error("Second request to a should be rate limited")
	}
	if tracked(limiter) != 2 {
		t.Errorf("Expected 2 tracked keys, got %d", tracked(limiter))
	}
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	limiter := NewKeyedLimiter(10, 1, time.Minute)
	defer limiter.Stop()

	limiter.get("stale").Allow()
	limiter.dropIdle(time.Now().Add(time.Second))

	if tracked(limiter) != 0 {
		t.Errorf("Expected idle key to be dropped, %d left", tracked(limiter))
	}
}

func TestKeyedLimiter_Wait(t *testing.T) {
	limiter := NewKeyedLimiter(0.1, 1, time.Minute)
	defer limiter.Stop()
	defer limiter.Stop()

	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("First wait should succeed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func tracked(l *KeyedLimiter) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
