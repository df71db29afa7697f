package stopper

import (
	"sync"
	"testing"
	"time"
)

func TestQueueRunsFIFOPerCPU(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		if !p.Queue(0, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("Queue(%d) refused", i)
		}
	}
	p.Quiesce()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 items, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestWorkersRunInParallelAcrossCPUs(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})

	p.Queue(0, func() {
		close(started)
		<-release
	})
	<-started

	// Worker 1 must make progress while worker 0 is blocked.
	done := make(chan struct{})
	p.Queue(1, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cpu 1 worker stalled behind cpu 0 work")
	}
	close(release)
}

func TestQuiesceWaitsForInFlightWork(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	var mu sync.Mutex
	doneAt := time.Time{}
	p.Queue(0, func() {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		doneAt = time.Now()
		mu.Unlock()
	})

	p.Quiesce()
	mu.Lock()
	defer mu.Unlock()
	if doneAt.IsZero() {
		t.Fatalf("Quiesce returned before queued work finished")
	}
}

func TestQueueRefusals(t *testing.T) {
	p := NewPool(2)

	if p.Queue(-1, func() {}) {
		t.Fatalf("expected refusal for negative cpu")
	}
	if p.Queue(2, func() {}) {
		t.Fatalf("expected refusal for unknown cpu")
	}
	if p.Queue(0, nil) {
		t.Fatalf("expected refusal for nil work")
	}

	p.Stop()
	if p.Queue(0, func() {}) {
		t.Fatalf("expected refusal after Stop")
	}
}

func TestStopDrainsQueuedWork(t *testing.T) {
	p := NewPool(1)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		p.Queue(0, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("expected all queued work to run before Stop returns, ran %d", ran)
	}
}
