package balancer

import (
	"time"

	"github.com/sirupsen/logrus"

	"hmp-balance/internal/metrics"
	"hmp-balance/internal/runqueue"
)

// rotationRunThreshold is how long a realtime-class task must have run
// continuously on a strong CPU before rotation will trade it down.
const rotationRunThreshold = 16 * time.Millisecond

// rotateWork carries one pending swap to the stopper.
type rotateWork struct {
	srcTask *runqueue.Task
	dstTask *runqueue.Task
	src     int
	dst     int
}

// checkForRotation trades the most-starved misfit on the lowest-capacity
// cluster against a long-running realtime-class task hogging a stronger
// CPU. Only the one lowest-capacity CPU whose current task has waited
// longest acts per invocation; every other caller backs off until its
// turn comes.
func (b *Balancer) checkForRotation(src int) {
	if !b.topo.IsMinCapacityCPU(src) {
		return
	}
	now := runqueue.Now()

	deserved := -1
	var maxWait time.Duration
	for _, cpu := range b.topo.CPUs() {
		if !b.topo.IsMinCapacityCPU(cpu) {
			continue
		}
		rq := b.queues[cpu]
		rq.Lock()
		curr := rq.CurrLocked()
		eligible := rq.MisfitLoadLocked() != 0 && !rq.ReservedLocked() && curr != nil
		var wait time.Duration
		if eligible {
			wait = now.Sub(curr.LastEnqueued)
		}
		rq.Unlock()
		if eligible && wait > maxWait {
			maxWait = wait
			deserved = cpu
		}
	}
	if deserved != src {
		return
	}

	dst := -1
	var maxRun time.Duration
	for _, cpu := range b.topo.CPUs() {
		if b.topo.IsMinCapacityCPU(cpu) {
			continue
		}
		rq := b.queues[cpu]
		rq.Lock()
		curr := rq.CurrLocked()
		eligible := !rq.ReservedLocked() && rq.NrRunningLocked() <= 1 &&
			curr != nil && curr.Class >= runqueue.ClassRealtime
		var run time.Duration
		if eligible {
			run = now.Sub(curr.RunningSince)
		}
		rq.Unlock()
		if !eligible || run < rotationRunThreshold {
			continue
		}
		if run > maxRun {
			maxRun = run
			dst = cpu
		}
	}
	if dst == -1 {
		return
	}

	srcRq, dstRq := b.queues[src], b.queues[dst]

	var work *rotateWork
	runqueue.LockPair(srcRq, dstRq)
	srcTask, dstTask := srcRq.CurrLocked(), dstRq.CurrLocked()
	if srcTask != nil && srcTask.Class < runqueue.ClassRealtime &&
		dstTask != nil && dstTask.Class >= runqueue.ClassRealtime {
		if srcRq.TryReserveLocked() {
			if dstRq.TryReserveLocked() {
				srcTask.Get()
				dstTask.Get()
				work = &rotateWork{srcTask: srcTask, dstTask: dstTask, src: src, dst: dst}
			} else {
				srcRq.ClearReserveLocked()
			}
		}
	}
	runqueue.UnlockPair(srcRq, dstRq)

	if work == nil {
		return
	}
	b.log.WithFields(logrus.Fields{
		"src_cpu":  src,
		"dst_cpu":  dst,
		"src_task": work.srcTask.Name,
		"dst_task": work.dstTask.Name,
	}).Debug("Rotation swap queued")
	if !b.pool.Queue(src, func() { b.rotationSwap(work) }) {
		b.abortRotation(work)
	}
}

// rotationSwap performs a queued two-task swap, revalidating that both
// tasks stayed put and may legally trade places. Reservations drop and
// references release on every path.
func (b *Balancer) rotationSwap(w *rotateWork) {
	srcRq, dstRq := b.queues[w.src], b.queues[w.dst]

	swapped := false
	var srcWaited, dstWaited time.Duration
	runqueue.LockPair(srcRq, dstRq)
	if w.srcTask.CPU == w.src && w.dstTask.CPU == w.dst &&
		w.srcTask.AllowedCPUs.Has(w.dst) && w.dstTask.AllowedCPUs.Has(w.src) &&
		srcRq.OnlineLocked() && dstRq.OnlineLocked() {
		now := runqueue.Now()
		srcWaited = now.Sub(w.srcTask.LastEnqueued)
		dstWaited = now.Sub(w.dstTask.LastEnqueued)
		srcRq.DetachLocked(w.srcTask)
		dstRq.DetachLocked(w.dstTask)
		dstRq.AttachLocked(w.srcTask)
		srcRq.AttachLocked(w.dstTask)
		swapped = true
	}
	srcRq.ClearReserveLocked()
	dstRq.ClearReserveLocked()
	runqueue.UnlockPair(srcRq, dstRq)

	if swapped {
		metrics.Rotations.Inc()
		b.emit("rotation", w.srcTask, w.src, w.dst, srcWaited)
		b.emit("rotation", w.dstTask, w.dst, w.src, dstWaited)
	} else {
		b.log.WithFields(logrus.Fields{
			"src_cpu": w.src,
			"dst_cpu": w.dst,
		}).Debug("Rotation swap aborted on revalidation")
	}
	w.srcTask.Put()
	w.dstTask.Put()
}

func (b *Balancer) abortRotation(w *rotateWork) {
	srcRq, dstRq := b.queues[w.src], b.queues[w.dst]
	runqueue.LockPair(srcRq, dstRq)
	srcRq.ClearReserveLocked()
	dstRq.ClearReserveLocked()
	runqueue.UnlockPair(srcRq, dstRq)
	w.srcTask.Put()
	w.dstTask.Put()
}
