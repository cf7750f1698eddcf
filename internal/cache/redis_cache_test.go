package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pageperm/api/internal/permissions"
)

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	if _, err := NewRedisCache("not a url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSetAndGetFlags(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	want := permissions.FlagsFor(permissions.LevelViewComment)
	if err := c.SetFlags(ctx, "page-1", "user-1", 0, want); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}

	got, _, ok, err := c.GetFlags(ctx, "page-1", "user-1")
	if err != nil {
		t.Fatalf("GetFlags failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, _, ok, _ := c.GetFlags(ctx, "page-1", "user-2"); ok {
		t.Fatal("expected miss for another user")
	}
}

func TestFlagsExpire(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()

	if err := c.SetFlags(ctx, "page-1", "user-1", 0, permissions.FlagsFor(permissions.LevelView)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, _, ok, err := c.GetFlags(ctx, "page-1", "user-1"); err != nil || ok {
		t.Fatalf("expected expired entry, ok=%v err=%v", ok, err)
	}
}

func TestInvalidateDropsEveryUser(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()

	for _, user := range []string{"user-1", "user-2"} {
		if err := c.SetFlags(ctx, "page-1", user, 0, permissions.FlagsFor(permissions.LevelEditor)); err != nil {
			t.Fatalf("SetFlags failed: %v", err)
		}
	}
	if err := c.SetFlags(ctx, "page-2", "user-1", 0, permissions.FlagsFor(permissions.LevelEditor)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}

	if err := c.Invalidate(ctx, "page-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if s.Exists("pageperm:flags:page-1") {
		t.Fatal("expected page-1 hash to be deleted")
	}
	if !s.Exists("pageperm:flags:page-2") {
		t.Fatal("expected page-2 hash to survive")
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate with no pages failed: %v", err)
	}
}

func TestGetFlagsReportsCorruptEntries(t *testing.T) {
	c, s := setupTestCache(t)
	s.HSet("pageperm:flags:page-1", "user-1", "{not json")

	if _, _, _, err := c.GetFlags(context.Background(), "page-1", "user-1"); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestSetFlagsSkipsStaleGeneration(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()

	_, generation, ok, err := c.GetFlags(ctx, "page-1", "user-1")
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if generation != 0 {
		t.Fatalf("expected generation 0, got %d", generation)
	}

	if err := c.Invalidate(ctx, "page-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := c.SetFlags(ctx, "page-1", "user-1", generation, permissions.FlagsFor(permissions.LevelEditor)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if s.Exists("pageperm:flags:page-1") {
		t.Fatal("expected flags computed before the invalidation to be dropped")
	}

	_, generation, _, err = c.GetFlags(ctx, "page-1", "user-1")
	if err != nil {
		t.Fatalf("GetFlags failed: %v", err)
	}
	if generation != 1 {
		t.Fatalf("expected generation 1, got %d", generation)
	}
	if err := c.SetFlags(ctx, "page-1", "user-1", generation, permissions.FlagsFor(permissions.LevelView)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if _, _, ok, _ := c.GetFlags(ctx, "page-1", "user-1"); !ok {
		t.Fatal("expected flags at the current generation to be cached")
	}
}
