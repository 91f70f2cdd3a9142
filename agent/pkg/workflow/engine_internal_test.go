package workflow

import (
	"sync"
	"testing"
)

func TestSessionLocks(t *testing.T) {
	locks := newSessionLocks()

	if !locks.tryAcquire("sess-a") {
		t.Fatal("first acquire for sess-a should succeed")
	}
	if locks.tryAcquire("sess-a") {
		t.Fatal("second acquire for sess-a should fail while held")
	}
	if !locks.tryAcquire("sess-b") {
		t.Fatal("independent session should acquire while sess-a is held")
	}

	locks.release("sess-a")
	if !locks.tryAcquire("sess-a") {
		t.Fatal("reacquire after release should succeed")
	}

	locks.release("sess-a")
	locks.release("sess-b")
	locks.mu.Lock()
	n := len(locks.busy)
	locks.mu.Unlock()
	if n != 0 {
		t.Fatalf("busy set should be empty after release, got %d entries", n)
	}
}

func TestSessionLocksConcurrentAcquire(t *testing.T) {
	locks := newSessionLocks()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.tryAcquire("sess") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("exactly one concurrent acquire should win, got %d", acquired)
	}
	locks.release("sess")
	if !locks.tryAcquire("sess") {
		t.Fatal("acquire after release should succeed")
	}
}
