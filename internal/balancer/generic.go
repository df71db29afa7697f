package balancer

import "hmp-balance/internal/runqueue"

var (
	_ Strategy = (*Balancer)(nil)
	_ Strategy = (*Generic)(nil)
)

// Generic is the stock decision path: capacity blind, no forced
// migration, no rotation. Runs use it as the baseline to measure what
// the capacity-aware balancer buys.
type Generic struct {
	queues []*runqueue.RunQueue
}

func NewGeneric(queues []*runqueue.RunQueue) *Generic {
	return &Generic{queues: queues}
}

func (g *Generic) OnTick(int) {}

// OnNewlyIdle pulls one queued task from the queue with the most fair
// tasks, wherever it sits.
func (g *Generic) OnNewlyIdle(cpu int) int {
	src := g.OnFindBusiestInGroup(cpu, runqueue.FullMask(len(g.queues)))
	if src == -1 {
		return 0
	}
	srcRq, dstRq := g.queues[src], g.queues[cpu]

	pulled := 0
	runqueue.LockPair(srcRq, dstRq)
	for _, t := range srcRq.CFSTasksLocked() {
		if t.State != runqueue.TaskRunnable || !t.AllowedCPUs.Has(cpu) {
			continue
		}
		srcRq.DetachLocked(t)
		dstRq.AttachLocked(t)
		pulled = 1
		break
	}
	runqueue.UnlockPair(srcRq, dstRq)
	return pulled
}

func (g *Generic) OnFindBusiestInGroup(dst int, group runqueue.Mask) int {
	busiest, busiestNr := -1, 0
	for _, cpu := range group.CPUs() {
		if cpu == dst || cpu >= len(g.queues) {
			continue
		}
		s := g.queues[cpu].Stats()
		if s.NrCFS < 2 {
			continue
		}
		if s.NrCFS > busiestNr {
			busiestNr = s.NrCFS
			busiest = cpu
		}
	}
	return busiest
}

func (g *Generic) OnMigrateQueuedTask(t *runqueue.Task, dst int) bool {
	src := t.CPU
	if src < 0 || src == dst || !t.AllowedCPUs.Has(dst) {
		return false
	}
	srcRq, dstRq := g.queues[src], g.queues[dst]

	moved := false
	runqueue.LockPair(srcRq, dstRq)
	if t.CPU == src && t.State == runqueue.TaskRunnable {
		srcRq.DetachLocked(t)
		dstRq.AttachLocked(t)
		moved = true
	}
	runqueue.UnlockPair(srcRq, dstRq)
	return moved
}

func (g *Generic) OnCanMigrateTask(t *runqueue.Task, dst int) bool {
	return t.AllowedCPUs.Has(dst)
}

func (g *Generic) OnNoHZKick(cpu int) bool {
	return g.queues[cpu].Stats().NrRunning >= 2
}
