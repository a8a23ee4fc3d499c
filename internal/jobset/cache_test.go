package jobset

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCacheSharesRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client)
	ctx := context.Background()

	if _, ok, err := cache.GetShares(ctx, "proj", "job"); err != nil || ok {
		t.Fatalf("expected no cached shares yet, ok=%v err=%v", ok, err)
	}

	if err := cache.SetShares(ctx, "proj", "job", 7); err != nil {
		t.Fatalf("set shares: %v", err)
	}

	shares, ok, err := cache.GetShares(ctx, "proj", "job")
	if err != nil || !ok || shares != 7 {
		t.Fatalf("expected cached shares=7, got shares=%d ok=%v err=%v", shares, ok, err)
	}
}

func TestCacheHistoryWindowedAndTrimmed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client)
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-20 * time.Hour)
	recent := now.Add(-time.Minute)

	if err := cache.AddSample(ctx, "proj", "job", old, 5*time.Second); err != nil {
		t.Fatalf("add old sample: %v", err)
	}
	if err := cache.AddSample(ctx, "proj", "job", recent, 9*time.Second); err != nil {
		t.Fatalf("add recent sample: %v", err)
	}

	since := now.Add(-10 * time.Hour)
	samples, err := cache.LoadHistory(ctx, "proj", "job", since)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(samples) != 1 || samples[0].Duration != 9*time.Second {
		t.Fatalf("expected one recent sample, got %+v", samples)
	}

	// The old sample should have been trimmed by the previous load.
	samples, err = cache.LoadHistory(ctx, "proj", "job", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("load history again: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected trimmed history to keep only the recent sample, got %+v", samples)
	}
}
