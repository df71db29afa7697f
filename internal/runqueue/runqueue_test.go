package runqueue

import (
	"sync"
	"testing"
	"time"
)

func fixedClock(t *testing.T, at time.Time) {
	t.Helper()
	old := Now
	Now = func() time.Time { return at }
	t.Cleanup(func() { Now = old })
}

func TestAttachDetachRoundTrip(t *testing.T) {
	stamp := time.Unix(100, 0)
	fixedClock(t, stamp)

	rq := NewRunQueue(2, 512)
	a := NewTask(1, "a", 100, ClassFair)
	b := NewTask(2, "b", 200, ClassFair)

	rq.Lock()
	rq.AttachLocked(a)
	rq.AttachLocked(b)

	if a.CPU != 2 || b.CPU != 2 {
		t.Fatalf("expected both tasks on cpu 2, got %d and %d", a.CPU, b.CPU)
	}
	if a.State != TaskRunnable {
		t.Fatalf("expected runnable, got %v", a.State)
	}
	if !a.LastEnqueued.Equal(stamp) {
		t.Fatalf("expected enqueue stamp %v, got %v", stamp, a.LastEnqueued)
	}
	if got := rq.NrRunningLocked(); got != 2 {
		t.Fatalf("expected 2 running, got %d", got)
	}
	if got := rq.UtilLocked(); got != 300 {
		t.Fatalf("expected util 300, got %d", got)
	}

	// Oldest enqueued first.
	tasks := rq.CFSTasksLocked()
	if tasks[0] != a || tasks[1] != b {
		t.Fatalf("expected enqueue order a,b")
	}

	rq.DetachLocked(a)
	if a.CPU != -1 {
		t.Fatalf("expected detached task unassigned, got cpu %d", a.CPU)
	}
	if got := rq.UtilLocked(); got != 200 {
		t.Fatalf("expected util 200 after detach, got %d", got)
	}
	if got := rq.NrRunningLocked(); got != 1 {
		t.Fatalf("expected 1 running after detach, got %d", got)
	}
	rq.Unlock()
}

func TestUtilCapsAtCapacity(t *testing.T) {
	rq := NewRunQueue(0, 260)
	rq.Lock()
	defer rq.Unlock()

	rq.AttachLocked(NewTask(1, "a", 200, ClassFair))
	rq.AttachLocked(NewTask(2, "b", 200, ClassFair))

	if got := rq.UtilLocked(); got != 260 {
		t.Fatalf("expected util capped at 260, got %d", got)
	}
}

func TestAttachPreemptionCheck(t *testing.T) {
	rq := NewRunQueue(0, 1024)
	rq.Lock()
	defer rq.Unlock()

	// Arrival on an idle CPU requests a reschedule.
	low := NewTask(1, "low", 100, ClassFair)
	rq.AttachLocked(low)
	if !rq.NeedReschedLocked() {
		t.Fatalf("expected resched request on idle attach")
	}
	rq.SetCurrLocked(low)
	if rq.NeedReschedLocked() {
		t.Fatalf("expected resched cleared after curr switch")
	}

	// Equal class preempts.
	peer := NewTask(2, "peer", 100, ClassFair)
	rq.AttachLocked(peer)
	if !rq.NeedReschedLocked() {
		t.Fatalf("expected equal-class arrival to request resched")
	}
	rq.ClearNeedReschedLocked()

	// Higher class preempts.
	rt := NewTask(3, "rt", 100, ClassRealtime)
	rq.AttachLocked(rt)
	if !rq.NeedReschedLocked() {
		t.Fatalf("expected realtime arrival to request resched")
	}
	rq.SetCurrLocked(rt)

	// Lower class does not.
	late := NewTask(4, "late", 100, ClassFair)
	rq.AttachLocked(late)
	if rq.NeedReschedLocked() {
		t.Fatalf("did not expect fair arrival to preempt realtime curr")
	}
}

func TestDetachRunningTask(t *testing.T) {
	rq := NewRunQueue(1, 1024)
	a := NewTask(1, "a", 300, ClassFair)
	b := NewTask(2, "b", 300, ClassFair)

	rq.Lock()
	defer rq.Unlock()
	rq.AttachLocked(a)
	rq.AttachLocked(b)
	rq.SetCurrLocked(a)

	if a.State != TaskRunning {
		t.Fatalf("expected running, got %v", a.State)
	}

	rq.DetachLocked(a)
	if rq.CurrLocked() != nil {
		t.Fatalf("expected no current after detaching it")
	}
	if !rq.NeedReschedLocked() {
		t.Fatalf("expected resched request after losing curr")
	}
	if a.State != TaskRunnable {
		t.Fatalf("expected detached task runnable, got %v", a.State)
	}
}

func TestRealtimeTasksQueueSeparately(t *testing.T) {
	rq := NewRunQueue(0, 1024)
	rq.Lock()
	defer rq.Unlock()

	fair := NewTask(1, "fair", 100, ClassFair)
	rt := NewTask(2, "rt", 100, ClassRealtime)
	rq.AttachLocked(fair)
	rq.AttachLocked(rt)

	if got := rq.NrRunningLocked(); got != 2 {
		t.Fatalf("expected 2 running, got %d", got)
	}
	if len(rq.CFSTasksLocked()) != 1 {
		t.Fatalf("expected realtime task kept out of the fair list")
	}
	if !rq.HigherClassQueuedLocked() {
		t.Fatalf("expected higher-class task visible")
	}

	rq.DetachLocked(rt)
	if rq.HigherClassQueuedLocked() {
		t.Fatalf("expected no higher-class task after detach")
	}
}

func TestNrBigTasks(t *testing.T) {
	rq := NewRunQueue(0, 260)
	rq.Lock()
	defer rq.Unlock()

	small := NewTask(1, "small", 50, ClassFair)
	big := NewTask(2, "big", 800, ClassFair)
	big.Misfit = true
	rq.AttachLocked(small)
	rq.AttachLocked(big)

	if got := rq.NrBigTasksLocked(); got != 1 {
		t.Fatalf("expected 1 big task, got %d", got)
	}
}

func TestReservationActiveBalanceExclusion(t *testing.T) {
	rq := NewRunQueue(0, 1024)
	task := NewTask(1, "t", 500, ClassFair)

	rq.Lock()
	defer rq.Unlock()

	if !rq.TryReserveLocked() {
		t.Fatalf("expected first reservation to succeed")
	}
	if rq.TryReserveLocked() {
		t.Fatalf("expected second reservation to fail")
	}
	if rq.BeginActiveBalanceLocked(task, 3) {
		t.Fatalf("expected active balance blocked while reserved")
	}
	rq.ClearReserveLocked()

	if !rq.BeginActiveBalanceLocked(task, 3) {
		t.Fatalf("expected active balance to start")
	}
	if rq.TryReserveLocked() {
		t.Fatalf("expected reservation blocked during active balance")
	}
	if rq.BeginActiveBalanceLocked(task, 4) {
		t.Fatalf("expected second active balance to fail")
	}
	if got := rq.PushCPULocked(); got != 3 {
		t.Fatalf("expected push cpu 3, got %d", got)
	}

	cleared := rq.ClearActiveBalanceLocked()
	if cleared != task {
		t.Fatalf("expected cleared push task back")
	}
	if rq.ActiveBalanceLocked() || rq.PushTaskLocked() != nil || rq.PushCPULocked() != -1 {
		t.Fatalf("expected active balance state fully cleared")
	}
	if !rq.TryReserveLocked() {
		t.Fatalf("expected reservation to succeed after clear")
	}
}

func TestDetachNotQueuedPanics(t *testing.T) {
	rq := NewRunQueue(0, 1024)
	other := NewRunQueue(1, 1024)
	task := NewTask(1, "t", 100, ClassFair)

	other.Lock()
	other.AttachLocked(task)
	other.Unlock()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic detaching a task from the wrong queue")
		}
	}()
	rq.Lock()
	defer rq.Unlock()
	rq.DetachLocked(task)
}

func TestLockPairNoDeadlock(t *testing.T) {
	a := NewRunQueue(0, 1024)
	b := NewRunQueue(1, 1024)

	var wg sync.WaitGroup
	crisscross := func(first, second *RunQueue) {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			LockPair(first, second)
			UnlockPair(first, second)
		}
	}

	wg.Add(2)
	go crisscross(a, b)
	go crisscross(b, a)
	wg.Wait()
}

func TestTaskRefCounting(t *testing.T) {
	task := NewTask(1, "t", 100, ClassFair)
	if got := task.Refs(); got != 1 {
		t.Fatalf("expected birth reference, got %d", got)
	}
	task.Get()
	if got := task.Refs(); got != 2 {
		t.Fatalf("expected 2 refs, got %d", got)
	}
	task.Put()
	task.Put()
	if got := task.Refs(); got != 0 {
		t.Fatalf("expected 0 refs, got %d", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	rq := NewRunQueue(0, 500)
	curr := NewTask(1, "curr", 400, ClassFair)
	peer := NewTask(2, "peer", 300, ClassFair)
	peer.Misfit = true

	rq.Lock()
	rq.AttachLocked(curr)
	rq.AttachLocked(peer)
	rq.SetCurrLocked(curr)
	rq.SetMisfitLoadLocked(300)
	rq.Unlock()

	s := rq.Stats()
	if !s.Online {
		t.Fatalf("expected online")
	}
	if s.NrRunning != 2 {
		t.Fatalf("expected 2 running, got %d", s.NrRunning)
	}
	if s.Util != 500 {
		t.Fatalf("expected util capped at 500, got %d", s.Util)
	}
	if s.NrBigTasks != 1 {
		t.Fatalf("expected 1 big task, got %d", s.NrBigTasks)
	}
	if s.MisfitLoad != 300 {
		t.Fatalf("expected misfit load 300, got %d", s.MisfitLoad)
	}
	if s.CurrClass != ClassFair || s.CurrDemand != 400 {
		t.Fatalf("unexpected curr snapshot: class=%v demand=%d", s.CurrClass, s.CurrDemand)
	}
}
