package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n9te9/go-graphql-federation-gateway/federation/cache"
)

// TestGetOrBuild_SingleFlight: for N
// concurrent callers of GetOrBuild(K, build) with one outstanding build,
// build is invoked at most once and all N receive an identical result.
func TestGetOrBuild_SingleFlight(t *testing.T) {
	c := cache.New[string, int](cache.Option{Capacity: 10})

	var invocations int64
	release := make(chan struct{})
	build := cache.BuildFunc[int](func(ctx context.Context) (int, error) {
		atomic.AddInt64(&invocations, 1)
		<-release
		return 42, nil
	})

	const callers = 100
	results := make([]int, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := c.GetOrBuild(context.Background(), "k", build)
			results[i], errs[i] = v, err
		}()
	}

	// Give every goroutine a chance to register as builder or subscriber
	// before letting the single build complete.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&invocations); got != 1 {
		t.Fatalf("build invoked %d times, want exactly 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i] != 42 {
			t.Fatalf("caller %d: got %d, want 42", i, results[i])
		}
	}
}

func TestGetOrBuild_CacheHitSkipsBuilder(t *testing.T) {
	c := cache.New[string, string](cache.Option{Capacity: 4})

	var calls int
	build := func(ctx context.Context) (string, error) {
		calls++
		return "plan-v1", nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.GetOrBuild(context.Background(), "op", build)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "plan-v1" {
			t.Fatalf("got %q", v)
		}
	}

	if calls != 1 {
		t.Fatalf("builder invoked %d times after warm cache, want 1", calls)
	}
}

func TestGetOrBuild_FailureIsNotCachedByDefault(t *testing.T) {
	c := cache.New[string, string](cache.Option{Capacity: 4})

	boom := errors.New("unplannable")
	var calls int
	build := func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	}

	for i := 0; i < 3; i++ {
		_, err := c.GetOrBuild(context.Background(), "op", build)
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: got err %v, want %v", i, err, boom)
		}
	}

	if calls != 3 {
		t.Fatalf("builder invoked %d times, want 3 (failures must not be cached)", calls)
	}
}

func TestGetOrBuild_NegativeCacheWhenConfigured(t *testing.T) {
	c := cache.New[string, string](cache.Option{Capacity: 4, CacheNegativeFor: time.Hour})

	boom := errors.New("unplannable")
	var calls int
	build := func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	}

	for i := 0; i < 3; i++ {
		_, err := c.GetOrBuild(context.Background(), "op", build)
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: got err %v, want %v", i, err, boom)
		}
	}

	if calls != 1 {
		t.Fatalf("builder invoked %d times, want 1 (negative cache configured)", calls)
	}
}

func TestPlanCache_LRUEviction(t *testing.T) {
	c := cache.New[string, int](cache.Option{Capacity: 2})
	build := func(v int) cache.BuildFunc[int] {
		return func(ctx context.Context) (int, error) { return v, nil }
	}

	c.GetOrBuild(context.Background(), "a", build(1))
	c.GetOrBuild(context.Background(), "b", build(2))
	c.GetOrBuild(context.Background(), "c", build(3)) // evicts "a" (least recently used)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	var aRebuilt bool
	c.GetOrBuild(context.Background(), "a", cache.BuildFunc[int](func(ctx context.Context) (int, error) {
		aRebuilt = true
		return 1, nil
	}))
	if !aRebuilt {
		t.Fatalf("expected %q to have been evicted and rebuilt", "a")
	}
}

// TestPlanCache_DeadlockFree: repeated
// concurrent insert/read/expire never deadlocks and every caller eventually
// makes progress. Run with -race and a timeout to catch lock-order
// violations between cacheMu and waitMu.
func TestPlanCache_DeadlockFree(t *testing.T) {
	c := cache.New[string, int](cache.Option{Capacity: 8, TTL: time.Millisecond})

	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (worker+i)%5)
				c.GetOrBuild(context.Background(), key, cache.BuildFunc[int](func(ctx context.Context) (int, error) {
					return worker, nil
				}))
				if i%7 == 0 {
					c.Invalidate(key)
				}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: workers did not finish within timeout")
	}
}

func TestGetOrBuild_ContextCancelledWhileSubscribed(t *testing.T) {
	c := cache.New[string, int](cache.Option{})
	release := make(chan struct{})
	build := cache.BuildFunc[int](func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	go func() {
		c.GetOrBuild(context.Background(), "k", build)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrBuild(ctx, "k", build)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}
	close(release)
}
