package admission

import (
	"sync"
	"testing"
)

func TestAcquire_HostLimit(t *testing.T) {
	// WHAT: After hostLimit grants, the next Acquire on that host is refused; a Release frees one slot.
	// WHY: A single hostile host must not monopolise the outbound budget.
	c := New(8, 3)
	for i := 0; i < 3; i++ {
		if !c.Acquire("a.example") {
			t.Fatalf("acquire %d refused", i)
		}
	}
	if c.Acquire("a.example") {
		t.Fatal("4th acquire should be refused")
	}
	if !c.Acquire("b.example") {
		t.Fatal("other host should still be admitted")
	}
	c.Release("a.example")
	if !c.Acquire("a.example") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestAcquire_GlobalLimit(t *testing.T) {
	// WHAT: The global ceiling applies across distinct hosts.
	c := New(2, 3)
	if !c.Acquire("a") || !c.Acquire("b") {
		t.Fatal("first two acquires should succeed")
	}
	if c.Acquire("c") {
		t.Fatal("global ceiling should refuse third host")
	}
	c.Release("a")
	if !c.Acquire("c") {
		t.Fatal("acquire after global release should succeed")
	}
}

func TestRelease_NoNegativeAndCleanup(t *testing.T) {
	c := New(0, 0)
	c.Release("never-acquired")
	st := c.Stats()
	if st.InFlight != 0 || st.Hosts != 0 {
		t.Fatalf("stats after stray release: %+v", st)
	}
	if st.GlobalLimit != DefaultGlobalLimit || st.HostLimit != DefaultHostLimit {
		t.Fatalf("defaults not applied: %+v", st)
	}

	c.Acquire("One.Example.")
	c.Acquire("one.example")
	c.Release("ONE.example")
	if got := c.Stats().Hosts; got != 1 {
		t.Fatalf("hosts after partial release: %d", got)
	}
	c.Release("one.example")
	if got := c.Stats(); got.Hosts != 0 || got.InFlight != 0 {
		t.Fatalf("host entry should be removed at zero: %+v", got)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	// WHAT: Parallel acquire/release pairs leave the counters at zero.
	c := New(4, 2)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := []string{"a", "b", "c"}[i%3]
			if c.Acquire(host) {
				c.Release(host)
			}
		}(i)
	}
	wg.Wait()
	if st := c.Stats(); st.InFlight != 0 || st.Hosts != 0 {
		t.Fatalf("leaked slots: %+v", st)
	}
}
