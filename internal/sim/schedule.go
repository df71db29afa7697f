package sim

import (
	"hmp-balance/internal/runqueue"
)

// scheduleAll runs the per-CPU pick on every queue, refreshes the misfit
// view the balancer reads on its next tick, and records which CPUs ended
// up with nothing to run. idle must hold one entry per CPU.
func (s *Simulation) scheduleAll(idle []bool) {
	for cpu, rq := range s.queues {
		rq.Lock()
		s.scheduleLocked(cpu, rq)
		s.refreshMisfitLocked(cpu, rq)
		idle[cpu] = rq.IdleLocked()
		rq.Unlock()
	}
}

// scheduleLocked picks what cpu runs next. The policy is the minimal
// shape of the real thing: the highest class wins, realtime runs FIFO,
// fair tasks round-robin on a fixed quantum, and a set resched flag
// forces a fresh pick.
func (s *Simulation) scheduleLocked(cpu int, rq *runqueue.RunQueue) {
	curr := rq.CurrLocked()
	quantumUp := curr != nil && curr.Class == runqueue.ClassFair &&
		s.currTicks[cpu]+1 >= s.quantumTicks && rq.NrCFSRunningLocked() > 1

	if curr != nil && !rq.NeedReschedLocked() && !quantumUp {
		s.currTicks[cpu]++
		return
	}

	next := s.pickNextLocked(rq, curr, quantumUp)
	if next == nil {
		return
	}
	if next == curr {
		rq.ClearNeedReschedLocked()
		s.currTicks[cpu]++
		return
	}
	rq.SetCurrLocked(next)
	s.currTicks[cpu] = 0
}

// pickNextLocked returns the task cpu should run, or nil when the queue
// is empty. rotate advances past curr in the fair list on quantum
// expiry.
func (s *Simulation) pickNextLocked(rq *runqueue.RunQueue, curr *runqueue.Task, rotate bool) *runqueue.Task {
	var best *runqueue.Task
	for _, t := range rq.RTTasksLocked() {
		if best == nil || t.Class > best.Class {
			best = t
		}
	}
	if best != nil {
		return best
	}

	cfs := rq.CFSTasksLocked()
	if len(cfs) == 0 {
		return nil
	}
	if rotate && curr != nil {
		for i, t := range cfs {
			if t == curr {
				return cfs[(i+1)%len(cfs)]
			}
		}
	}
	return cfs[0]
}

// refreshMisfitLocked re-derives the per-task misfit flags after this
// tick's placement changes. Misfit load is the running task's demand
// when that task is fair and misfit, which is exactly what the tick
// balance path inspects.
func (s *Simulation) refreshMisfitLocked(cpu int, rq *runqueue.RunQueue) {
	for _, t := range rq.CFSTasksLocked() {
		t.Misfit = s.model.IsMisfit(t, cpu)
	}
	for _, t := range rq.RTTasksLocked() {
		t.Misfit = s.model.IsMisfit(t, cpu)
	}
	load := 0
	if curr := rq.CurrLocked(); curr != nil && curr.Class == runqueue.ClassFair && curr.Misfit {
		load = curr.Demand
	}
	rq.SetMisfitLoadLocked(load)
}
