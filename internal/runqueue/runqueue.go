package runqueue

import (
	"fmt"
	"sync"
	"time"
)

// RunQueue is the per-CPU queue state the balancer operates on. Every
// mutable field is guarded by the queue lock; cross-CPU code takes it
// before reading or writing (pairs in ascending CPU order, see LockPair).
// Methods with the Locked suffix require the caller to hold the lock.
type RunQueue struct {
	mu       sync.Mutex
	cpu      int
	capacity int

	online bool
	curr   *Task
	cfs    []*Task // fair-class tasks in enqueue order, oldest first
	rt     []*Task // realtime-or-above tasks

	cumDemand  int
	misfitLoad int

	activeBalance bool
	pushTask      *Task
	pushCPU       int

	reserved    bool
	needResched bool
	idleStamp   time.Time
}

// Stats is a consistent snapshot of the fields the busiest-CPU searches
// read per candidate. NrRunning counts every class; NrCFS only the
// fair-class tasks the balancer may pull.
type Stats struct {
	Online        bool
	NrRunning     int
	NrCFS         int
	Util          int
	NrBigTasks    int
	MisfitLoad    int
	ActiveBalance bool
	Reserved      bool
	CurrClass     Class
	CurrDemand    int
}

func NewRunQueue(cpu, capacity int) *RunQueue {
	return &RunQueue{
		cpu:      cpu,
		capacity: capacity,
		online:   true,
		pushCPU:  -1,
	}
}

func (rq *RunQueue) CPU() int {
	return rq.cpu
}

func (rq *RunQueue) Capacity() int {
	return rq.capacity
}

func (rq *RunQueue) Lock() {
	rq.mu.Lock()
}

func (rq *RunQueue) Unlock() {
	rq.mu.Unlock()
}

// LockPair locks both queues in ascending CPU order so two CPUs balancing
// against each other cannot deadlock.
func LockPair(a, b *RunQueue) {
	if a.cpu == b.cpu {
		panic(fmt.Sprintf("cpu %d locking a queue pair against itself", a.cpu))
	}
	if a.cpu < b.cpu {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func UnlockPair(a, b *RunQueue) {
	if a.cpu < b.cpu {
		b.mu.Unlock()
		a.mu.Unlock()
	} else {
		a.mu.Unlock()
		b.mu.Unlock()
	}
}

func (rq *RunQueue) Stats() Stats {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	s := Stats{
		Online:        rq.online,
		NrRunning:     len(rq.cfs) + len(rq.rt),
		NrCFS:         len(rq.cfs),
		Util:          rq.utilLocked(),
		NrBigTasks:    rq.nrBigTasksLocked(),
		MisfitLoad:    rq.misfitLoad,
		ActiveBalance: rq.activeBalance,
		Reserved:      rq.reserved,
		CurrClass:     ClassIdle,
	}
	if rq.curr != nil {
		s.CurrClass = rq.curr.Class
		s.CurrDemand = rq.curr.Demand
	}
	return s
}

func (rq *RunQueue) OnlineLocked() bool {
	return rq.online
}

func (rq *RunQueue) SetOnlineLocked(online bool) {
	rq.online = online
}

func (rq *RunQueue) CurrLocked() *Task {
	return rq.curr
}

func (rq *RunQueue) NrRunningLocked() int {
	return len(rq.cfs) + len(rq.rt)
}

func (rq *RunQueue) NrCFSRunningLocked() int {
	return len(rq.cfs)
}

// CFSTasksLocked returns the fair-class tasks in enqueue order, oldest
// first. The slice is only valid while the lock is held.
func (rq *RunQueue) CFSTasksLocked() []*Task {
	return rq.cfs
}

// RTTasksLocked returns the realtime-and-above tasks in enqueue order.
// The slice is only valid while the lock is held.
func (rq *RunQueue) RTTasksLocked() []*Task {
	return rq.rt
}

func (rq *RunQueue) HigherClassQueuedLocked() bool {
	return len(rq.rt) > 0
}

func (rq *RunQueue) IdleLocked() bool {
	return rq.curr == nil
}

func (rq *RunQueue) UtilLocked() int {
	return rq.utilLocked()
}

func (rq *RunQueue) utilLocked() int {
	if rq.cumDemand > rq.capacity {
		return rq.capacity
	}
	return rq.cumDemand
}

func (rq *RunQueue) NrBigTasksLocked() int {
	return rq.nrBigTasksLocked()
}

func (rq *RunQueue) nrBigTasksLocked() int {
	n := 0
	for _, t := range rq.cfs {
		if t.Misfit {
			n++
		}
	}
	for _, t := range rq.rt {
		if t.Misfit {
			n++
		}
	}
	return n
}

func (rq *RunQueue) MisfitLoadLocked() int {
	return rq.misfitLoad
}

func (rq *RunQueue) SetMisfitLoadLocked(load int) {
	rq.misfitLoad = load
}

func (rq *RunQueue) IdleStampLocked() time.Time {
	return rq.idleStamp
}

func (rq *RunQueue) SetIdleStampLocked(ts time.Time) {
	rq.idleStamp = ts
}

func (rq *RunQueue) NeedReschedLocked() bool {
	return rq.needResched
}

func (rq *RunQueue) SetNeedReschedLocked() {
	rq.needResched = true
}

func (rq *RunQueue) ClearNeedReschedLocked() {
	rq.needResched = false
}

// AttachLocked inserts a detached task into the runnable set, assigns its
// CPU and stamps the enqueue time. An arriving task of equal or higher
// class than the running one requests a reschedule.
func (rq *RunQueue) AttachLocked(t *Task) {
	if t.CPU != -1 {
		panic(fmt.Sprintf("attach of %s still assigned to cpu %d", t, t.CPU))
	}
	t.CPU = rq.cpu
	t.State = TaskRunnable
	t.LastEnqueued = Now()
	if t.Class >= ClassRealtime {
		rq.rt = append(rq.rt, t)
	} else {
		rq.cfs = append(rq.cfs, t)
	}
	rq.cumDemand += t.Demand
	if rq.curr == nil || t.Class >= rq.curr.Class {
		rq.needResched = true
	}
}

// DetachLocked removes a queued task and marks its CPU unassigned. The
// caller holds this queue's lock and the destination queue's lock.
// Detaching the running task leaves the queue without a current and
// requests a reschedule; only active migration does this.
func (rq *RunQueue) DetachLocked(t *Task) {
	if t.CPU != rq.cpu {
		panic(fmt.Sprintf("detach of %s from cpu %d but task is on cpu %d", t, rq.cpu, t.CPU))
	}
	if !rq.removeLocked(t) {
		panic(fmt.Sprintf("detach of %s not queued on cpu %d", t, rq.cpu))
	}
	rq.cumDemand -= t.Demand
	if rq.curr == t {
		rq.curr = nil
		rq.needResched = true
	}
	t.State = TaskRunnable
	t.CPU = -1
}

func (rq *RunQueue) removeLocked(t *Task) bool {
	for i, q := range rq.cfs {
		if q == t {
			rq.cfs = append(rq.cfs[:i], rq.cfs[i+1:]...)
			return true
		}
	}
	for i, q := range rq.rt {
		if q == t {
			rq.rt = append(rq.rt[:i], rq.rt[i+1:]...)
			return true
		}
	}
	return false
}

// SetCurrLocked switches the running task. Passing nil idles the CPU.
// The task must already be queued here; picking what runs next is the
// fair-share scheduler's job, not the balancer's.
func (rq *RunQueue) SetCurrLocked(t *Task) {
	if t != nil && t.CPU != rq.cpu {
		panic(fmt.Sprintf("cpu %d setting curr to %s which is on cpu %d", rq.cpu, t, t.CPU))
	}
	if rq.curr != nil && rq.curr.State == TaskRunning {
		rq.curr.State = TaskRunnable
	}
	rq.curr = t
	if t != nil {
		t.State = TaskRunning
		t.RunningSince = Now()
	}
	rq.needResched = false
}

// TryReserveLocked reserves this CPU as a migration destination. It fails
// if the CPU is already reserved or is itself the source of an in-flight
// active balance: the two states are mutually exclusive per CPU.
func (rq *RunQueue) TryReserveLocked() bool {
	if rq.reserved || rq.activeBalance {
		return false
	}
	rq.reserved = true
	return true
}

func (rq *RunQueue) ReservedLocked() bool {
	return rq.reserved
}

func (rq *RunQueue) ClearReserveLocked() {
	rq.reserved = false
}

// BeginActiveBalanceLocked marks this CPU as the source of an active
// balance pushing task toward dstCPU. It fails if an active balance is
// already in flight or the CPU is reserved as someone's destination.
// The caller holds a task reference for the duration of the balance.
func (rq *RunQueue) BeginActiveBalanceLocked(t *Task, dstCPU int) bool {
	if rq.activeBalance || rq.reserved {
		return false
	}
	rq.activeBalance = true
	rq.pushTask = t
	rq.pushCPU = dstCPU
	return true
}

func (rq *RunQueue) ActiveBalanceLocked() bool {
	return rq.activeBalance
}

func (rq *RunQueue) PushTaskLocked() *Task {
	return rq.pushTask
}

func (rq *RunQueue) PushCPULocked() int {
	return rq.pushCPU
}

// ClearActiveBalanceLocked ends the in-flight active balance and returns
// the push task so the caller can release its reference exactly once.
func (rq *RunQueue) ClearActiveBalanceLocked() *Task {
	t := rq.pushTask
	rq.activeBalance = false
	rq.pushTask = nil
	rq.pushCPU = -1
	return t
}
