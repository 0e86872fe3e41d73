package loop

import (
	"sync"
	"testing"
	"time"
)

func TestExecuteRunsOnLoopThread(t *testing.T) {
	l := New(0, 0, 0)
	l.Start()
	defer l.Stop()

	done := make(chan bool, 1)
	l.Execute(func() {
		_, onLoop := currentLoopID()
		done <- onLoop
	})

	select {
	case onLoop := <-done:
		if !onLoop {
			t.Error("task did not observe itself as running on the loop thread")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestExecuteInlineWhenAlreadyOnLoop(t *testing.T) {
	l := New(0, 0, 0)
	l.Start()
	defer l.Stop()

	order := make(chan string, 2)
	l.Execute(func() {
		// Nested Execute from within the loop thread must run inline,
		// i.e. complete before the outer task returns.
		l.Execute(func() {
			order <- "inner"
		})
		order <- "outer-after-inline"
	})

	first := <-order
	second := <-order
	if first != "inner" || second != "outer-after-inline" {
		t.Errorf("nested Execute did not run inline: got %q then %q", first, second)
	}
}

func TestExecuteManyCallersNoLossNoDuplicate(t *testing.T) {
	l := New(0, 0, 0)
	l.Start()
	defer l.Stop()

	const n = 1000
	results := make([]int, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Execute(func() {
				mu.Lock()
				results = append(results, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	// Drain: post a final task and wait for it so all prior ones are
	// guaranteed to have run given the channel is FIFO per sender, but
	// since senders race we only assert no task was lost or run twice.
	doneCh := make(chan struct{})
	l.Execute(func() { close(doneCh) })
	<-doneCh

	mu.Lock()
	defer mu.Unlock()
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	seen := make(map[int]bool, n)
	for _, r := range results {
		if seen[r] {
			t.Fatalf("task %d ran more than once", r)
		}
		seen[r] = true
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(0, 0, 0)
	l.Start()
	l.Stop()
	l.Stop() // must not panic or hang
}

func TestPoolAssignIsRoundRobin(t *testing.T) {
	p := NewPool(3)
	first := p.Assign().ID()
	second := p.Assign().ID()
	third := p.Assign().ID()
	fourth := p.Assign().ID()

	if first != 0 || second != 1 || third != 2 || fourth != 0 {
		t.Errorf("unexpected assignment sequence: %d %d %d %d", first, second, third, fourth)
	}
}
