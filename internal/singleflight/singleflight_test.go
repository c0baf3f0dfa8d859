package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSingleCaller(t *testing.T) {
	g := New[string]()

	val, shared, err := g.Do(context.Background(), "key", func() (string, error) {
		return "result", nil
	})

	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if shared {
		t.Error("Expected shared=false for the sole caller")
	}
	if val != "result" {
		t.Errorf("Expected 'result', got %q", val)
	}
	if g.Len() != 0 {
		t.Errorf("Expected 0 in-flight calls after completion, got %d", g.Len())
	}
}

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	g := New[int]()

	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (int, error) {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	sharedCount := int64(0)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, _ := g.Do(context.Background(), "key", fn)
		results[0] = v
	}()

	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, shared, err := g.Do(context.Background(), "key", func() (int, error) {
				t.Error("waiter executed fn; expected attachment to in-flight call")
				return 0, nil
			})
			if err != nil {
				t.Errorf("waiter returned error: %v", err)
			}
			if shared {
				atomic.AddInt64(&sharedCount, 1)
			}
			results[i] = v
		}(i)
	}

	// Give waiters a moment to attach before releasing the owner.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("Expected exactly 1 execution, got %d", got)
	}
	if got := atomic.LoadInt64(&sharedCount); got != 9 {
		t.Errorf("Expected 9 shared results, got %d", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("results[%d] = %d, want 42", i, v)
		}
	}
}

func TestDoErrorSharedWithWaiters(t *testing.T) {
	g := New[string]()
	wantErr := errors.New("boom")

	release := make(chan struct{})
	go func() {
		g.Do(context.Background(), "key", func() (string, error) {
			<-release
			return "", wantErr
		})
	}()

	// Wait until the owner registered itself.
	for g.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(context.Background(), "key", func() (string, error) {
			return "unexpected", nil
		})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-errCh; !errors.Is(err, wantErr) {
		t.Errorf("waiter error = %v, want %v", err, wantErr)
	}
}

func TestDoHandleClearedBeforeWaitersReleased(t *testing.T) {
	g := New[int]()
	release := make(chan struct{})

	go func() {
		g.Do(context.Background(), "key", func() (int, error) {
			<-release
			return 0, errors.New("first call failed")
		})
	}()

	for g.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = g.Do(context.Background(), "key", func() (int, error) { return 0, nil })
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	<-done

	// After the failed call completed, a fresh call must run fn again
	// instead of reusing the failed outcome.
	v, shared, err := g.Do(context.Background(), "key", func() (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("fresh Do() returned error: %v", err)
	}
	if shared {
		t.Error("Expected a fresh call, got a shared result")
	}
	if v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}
}

func TestDoWaiterContextCancellation(t *testing.T) {
	g := New[int]()
	release := make(chan struct{})
	defer close(release)

	go func() {
		g.Do(context.Background(), "key", func() (int, error) {
			<-release
			return 1, nil
		})
	}()

	for g.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "key", func() (int, error) { return 0, nil })
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("waiter error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestForget(t *testing.T) {
	g := New[int]()
	release := make(chan struct{})

	var firstDone sync.WaitGroup
	firstDone.Add(1)
	go func() {
		defer firstDone.Done()
		g.Do(context.Background(), "key", func() (int, error) {
			<-release
			return 1, nil
		})
	}()

	for g.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	g.Forget("key")

	// A caller after Forget starts fresh work in parallel with the old call.
	var calls int64
	v, shared, err := g.Do(context.Background(), "key", func() (int, error) {
		atomic.AddInt64(&calls, 1)
		return 2, nil
	})
	close(release)
	firstDone.Wait()

	if err != nil {
		t.Fatalf("Do() after Forget returned error: %v", err)
	}
	if shared {
		t.Error("Expected fresh call after Forget")
	}
	if v != 2 || atomic.LoadInt64(&calls) != 1 {
		t.Errorf("fresh call result = %d (calls=%d), want 2 (calls=1)", v, calls)
	}
}
