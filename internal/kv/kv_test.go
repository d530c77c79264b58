package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCounter_IncrementAndGet(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.Increment(ctx, "k")
		if err != nil {
			t.Fatalf("Increment error: %v", err)
		}
		if n != i {
			t.Errorf("Increment = %d, want %d", n, i)
		}
	}

	n, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if n != 3 {
		t.Errorf("Get = %d, want 3", n)
	}
}

func TestMemoryCounter_GetMissing(t *testing.T) {
	c := NewMemoryCounter()

	n, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if n != 0 {
		t.Errorf("Get = %d, want 0", n)
	}
}

func TestMemoryCounter_LazyExpiry(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Increment(ctx, "k")
	c.Increment(ctx, "k")
	if err := c.Expire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("Expire error: %v", err)
	}

	// Within the window the value survives.
	now = now.Add(9 * time.Second)
	if n, _ := c.Get(ctx, "k"); n != 2 {
		t.Errorf("Get before expiry = %d, want 2", n)
	}

	// Past the window the key is gone and a new increment restarts at 1.
	now = now.Add(2 * time.Second)
	if n, _ := c.Get(ctx, "k"); n != 0 {
		t.Errorf("Get after expiry = %d, want 0", n)
	}
	if n, _ := c.Increment(ctx, "k"); n != 1 {
		t.Errorf("Increment after expiry = %d, want 1", n)
	}
}

func TestMemoryCounter_ExpireRearms(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Increment(ctx, "k")
	c.Expire(ctx, "k", 10*time.Second)

	// Re-arm at t+8s; the key must survive past the original deadline.
	now = now.Add(8 * time.Second)
	c.Increment(ctx, "k")
	c.Expire(ctx, "k", 10*time.Second)

	now = now.Add(9 * time.Second)
	if n, _ := c.Get(ctx, "k"); n != 2 {
		t.Errorf("Get after re-armed TTL = %d, want 2", n)
	}
}

func TestMemoryCounter_Delete(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	c.Increment(ctx, "k")
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if n, _ := c.Get(ctx, "k"); n != 0 {
		t.Errorf("Get after Delete = %d, want 0", n)
	}
}

func TestMemoryCounter_ConcurrentIncrement(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Increment(ctx, "shared")
			}
		}()
	}
	wg.Wait()

	n, _ := c.Get(ctx, "shared")
	if n != goroutines*perGoroutine {
		t.Errorf("Get = %d, want %d", n, goroutines*perGoroutine)
	}
}
