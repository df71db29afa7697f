package balancer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"hmp-balance/internal/metrics"
	"hmp-balance/internal/runqueue"
)

// canMigrateLocked decides whether t may leave srcRq for dst. Moving to
// a lower-capacity CPU is refused while the task waits on I/O or is
// boost-pinned to the strongest CPUs. A task already claimed as the
// push task of an in-flight active balance never moves a second way.
func (b *Balancer) canMigrateLocked(t *runqueue.Task, dst int, srcRq *runqueue.RunQueue) bool {
	if b.topo.Capacity(dst) < b.topo.Capacity(srcRq.CPU()) {
		if t.InIOWait {
			return false
		}
		if t.Boost == runqueue.BoostStrictMax {
			return false
		}
	}
	return srcRq.PushTaskLocked() != t
}

// needActiveBalance reports whether interrupting a running task is
// justified: only a misfit moving strictly up in capacity, and only one
// active balance per source at a time.
func (b *Balancer) needActiveBalance(t *runqueue.Task, src, dst int, srcRq *runqueue.RunQueue) bool {
	return !srcRq.ActiveBalanceLocked() &&
		b.topo.Capacity(dst) > b.topo.Capacity(src) &&
		t.Misfit
}

// pullTasks moves one task from src to dst, preferring whichever has
// been queued longest. A queued candidate moves immediately under both
// locks; a running misfit one cannot be detached here, so the queues are
// marked and the move is handed to the stopper. Returns 1 when a task
// was pulled, 0 otherwise, including the hand-off case.
func (b *Balancer) pullTasks(dst, src int) int {
	if dst == src {
		panic(fmt.Sprintf("pull with identical source and destination cpu %d", dst))
	}
	dstRq, srcRq := b.queues[dst], b.queues[src]

	var pulled *runqueue.Task
	var waited time.Duration
	activeBalance := false

	runqueue.LockPair(srcRq, dstRq)
	for _, t := range srcRq.CFSTasksLocked() {
		if !t.AllowedCPUs.Has(dst) {
			continue
		}
		if !b.canMigrateLocked(t, dst, srcRq) {
			continue
		}
		if t.State == runqueue.TaskRunning {
			if !b.needActiveBalance(t, src, dst, srcRq) {
				continue
			}
			if !dstRq.TryReserveLocked() {
				metrics.ReservationConflicts.Inc()
				break
			}
			t.Get()
			if !srcRq.BeginActiveBalanceLocked(t, dst) {
				t.Put()
				dstRq.ClearReserveLocked()
				break
			}
			activeBalance = true
			break
		}
		waited = runqueue.Now().Sub(t.LastEnqueued)
		srcRq.DetachLocked(t)
		dstRq.AttachLocked(t)
		pulled = t
		break
	}
	runqueue.UnlockPair(srcRq, dstRq)

	if activeBalance {
		if !b.pool.Queue(src, func() { b.activeMigration(src) }) {
			b.abortActiveBalance(src)
			metrics.ActiveBalances.WithLabelValues("dispatch_failed").Inc()
		}
		return 0
	}
	if pulled != nil {
		metrics.TasksPulled.WithLabelValues("newidle").Inc()
		b.emit("pull", pulled, src, dst, waited)
		return 1
	}
	return 0
}

// activeMigration is the stopper-side half of an active balance. The
// decision phase ran lockless against this point, so everything is
// revalidated under both locks before the running task is forced off its
// CPU. The balance flag and the destination reservation are cleared
// whether or not the move happens, and the reference taken at selection
// time is dropped exactly once.
func (b *Balancer) activeMigration(src int) {
	srcRq := b.queues[src]

	srcRq.Lock()
	if !srcRq.ActiveBalanceLocked() {
		srcRq.Unlock()
		return
	}
	dst := srcRq.PushCPULocked()
	srcRq.Unlock()

	dstRq := b.queues[dst]
	runqueue.LockPair(srcRq, dstRq)
	if !srcRq.ActiveBalanceLocked() || srcRq.PushCPULocked() != dst {
		runqueue.UnlockPair(srcRq, dstRq)
		return
	}

	p := srcRq.PushTaskLocked()
	detached := srcRq.OnlineLocked() && dstRq.OnlineLocked() &&
		srcRq.NrRunningLocked() >= 1 &&
		p != nil && p.CPU == src && p.State != runqueue.TaskBlocked
	var waited time.Duration
	if detached {
		waited = runqueue.Now().Sub(p.LastEnqueued)
		srcRq.DetachLocked(p)
	}
	released := srcRq.ClearActiveBalanceLocked()
	dstRq.ClearReserveLocked()
	runqueue.UnlockPair(srcRq, dstRq)

	if detached {
		dstRq.Lock()
		dstRq.AttachLocked(p)
		dstRq.Unlock()
		metrics.ActiveBalances.WithLabelValues("completed").Inc()
		b.emit("active", p, src, dst, waited)
	} else {
		metrics.ActiveBalances.WithLabelValues("aborted").Inc()
		b.log.WithFields(logrus.Fields{
			"src_cpu": src,
			"dst_cpu": dst,
		}).Debug("Active migration aborted on revalidation")
	}
	if released != nil {
		released.Put()
	}
}

// OnMigrateQueuedTask moves a queued, non-running task to dst on behalf
// of the generic balance path. Moving the running task is the stopper's
// business; every other surprise just reports false.
func (b *Balancer) OnMigrateQueuedTask(t *runqueue.Task, dst int) bool {
	src := t.CPU
	if src < 0 || src == dst {
		return false
	}
	if !t.AllowedCPUs.Has(dst) {
		return false
	}
	srcRq, dstRq := b.queues[src], b.queues[dst]

	moved := false
	var waited time.Duration
	runqueue.LockPair(srcRq, dstRq)
	if t.CPU == src && t.State == runqueue.TaskRunnable &&
		dstRq.OnlineLocked() && b.canMigrateLocked(t, dst, srcRq) {
		waited = runqueue.Now().Sub(t.LastEnqueued)
		srcRq.DetachLocked(t)
		dstRq.AttachLocked(t)
		moved = true
	}
	runqueue.UnlockPair(srcRq, dstRq)

	if moved {
		metrics.TasksPulled.WithLabelValues("queued").Inc()
		b.emit("queued", t, src, dst, waited)
	}
	return moved
}

// OnCanMigrateTask exposes the migration eligibility check to the
// generic path: affinity plus the downward-migration restrictions.
func (b *Balancer) OnCanMigrateTask(t *runqueue.Task, dst int) bool {
	if !t.AllowedCPUs.Has(dst) {
		return false
	}
	src := t.CPU
	if src < 0 {
		return false
	}
	srcRq := b.queues[src]
	srcRq.Lock()
	ok := t.CPU == src && b.canMigrateLocked(t, dst, srcRq)
	srcRq.Unlock()
	return ok
}
