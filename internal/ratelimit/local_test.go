package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func TestLocalLimiter_EvictsRefilledKeysFirst(t *testing.T) {
	l := NewLocalLimiter(60, 1)
	l.maxKeys = 2
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "sales"); !ok {
		t.Fatal("first sales request should pass")
	}
	l.get("support") // untouched, bucket full

	if ok, _ := l.Allow(ctx, "billing"); !ok {
		t.Fatal("billing request should pass")
	}
	if _, ok := l.limiters["support"]; ok {
		t.Error("idle support bucket should have been evicted")
	}
	if ok, _ := l.Allow(ctx, "sales"); ok {
		t.Error("sales lost its spent budget to eviction")
	}
}

func TestLocalLimiter_MapStaysBounded(t *testing.T) {
	l := NewLocalLimiter(60, 1)
	l.maxKeys = 8
	ctx := context.Background()

	for i := range 100 {
		_, _ = l.Allow(ctx, fmt.Sprintf("agent-%d", i))
		if n := len(l.limiters); n > l.maxKeys {
			t.Fatalf("after %d keys the map holds %d limiters", i+1, n)
		}
	}
	if len(l.limiters) != l.maxKeys {
		t.Errorf("limiters = %d, want %d", len(l.limiters), l.maxKeys)
	}
}
