package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCacheBasics(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key = %v, want ErrNotFound", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get = (%s, %v)", got, err)
	}

	// Returned slices are copies; mutating them must not poison the cache.
	got[0] = 'x'
	got2, _ := c.Get(ctx, "k")
	if string(got2) != "v" {
		t.Fatalf("cache entry mutated through returned slice: %s", got2)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key = %v", err)
	}
	// Deleting a missing key is fine.
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestInMemoryCacheTTL(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("fresh entry: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry = %v, want ErrNotFound", err)
	}
}

func TestInMemoryCacheClosed(t *testing.T) {
	c := NewInMemoryCache()
	c.Close()
	if err := c.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("set after close should be a silent no-op, got %v", err)
	}
}
