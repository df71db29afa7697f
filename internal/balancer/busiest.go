package balancer

import "hmp-balance/internal/runqueue"

// Cross-capacity pull thresholds. A two-task queue whose running task
// demands less than smallTaskDemand is not worth raiding, and outside
// rotation a cluster must carry 1.25x its capacity in aggregate
// utilization before work moves across capacity levels at all.
const (
	smallTaskDemand    = 102
	aggregateGateNum   = 1280
	aggregateGateDenom = 1024
)

// findBusiestCPU picks the source CPU to pull from among the candidates,
// dispatching on how the destination's capacity relates to theirs.
// Candidates arrive one cluster at a time, so the first member's
// capacity stands for the whole set.
func (b *Balancer) findBusiestCPU(dst int, candidates runqueue.Mask) int {
	cpus := candidates.CPUs()
	if len(cpus) == 0 {
		return -1
	}
	dstCap := b.topo.Capacity(dst)
	srcCap := b.topo.Capacity(cpus[0])
	switch {
	case dstCap == srcCap:
		return b.findBusiestSameCapacity(cpus)
	case dstCap < srcCap:
		return b.findBusiestHigherCapacity(cpus)
	default:
		return b.findBusiestLowerCapacity(cpus)
	}
}

// findBusiestSameCapacity scans same-capacity candidates for the highest
// utilization among those with at least two fair tasks. Only strictly
// greater utilization replaces the pick, so the first candidate scanned
// wins ties.
func (b *Balancer) findBusiestSameCapacity(cpus []int) int {
	busiest, busiestUtil := -1, 0
	for _, cpu := range cpus {
		s := b.queues[cpu].Stats()
		if s.NrCFS < 2 {
			continue
		}
		if s.Util > busiestUtil {
			busiestUtil = s.Util
			busiest = cpu
		}
	}
	return busiest
}

// findBusiestHigherCapacity scans candidates that out-class the
// destination. Pulling work down wastes capacity, so a candidate counts
// only when genuinely loaded: at least two fair tasks, not just a pair
// with a small running task, and overutilized unless rotation demands
// spreading regardless. The aggregate gate then vetoes the pick unless
// the cluster as a whole is busy.
func (b *Balancer) findBusiestHigherCapacity(cpus []int) int {
	rotation := b.RotationEnabled()
	busiest, busiestUtil := -1, 0
	totalUtil, totalCapacity := 0, 0
	totalNr, totalCPUs := 0, 0
	for _, cpu := range cpus {
		s := b.queues[cpu].Stats()
		if !s.Online {
			continue
		}
		totalUtil += s.Util
		totalCapacity += b.topo.Capacity(cpu)
		totalCPUs++
		totalNr += s.NrRunning

		if s.NrCFS < 2 {
			continue
		}
		if s.NrCFS == 2 && s.CurrDemand < smallTaskDemand {
			continue
		}
		if !rotation && !b.model.IsOverutilized(cpu) {
			continue
		}
		if s.Util > busiestUtil {
			busiestUtil = s.Util
			busiest = cpu
		}
	}
	if !rotation &&
		(totalNr <= totalCPUs || totalUtil*aggregateGateNum < totalCapacity*aggregateGateDenom) {
		busiest = -1
	}
	return busiest
}

// findBusiestLowerCapacity scans candidates the destination out-classes.
// Moving up is cheap, so the scan is more permissive: a candidate below
// two fair tasks still counts when it holds big tasks, and big tasks on
// the pick waive the aggregate gate. A candidate mid active balance is
// already shedding load and is left alone.
func (b *Balancer) findBusiestLowerCapacity(cpus []int) int {
	rotation := b.RotationEnabled()
	busiest, busiestUtil, busyNrBigTasks := -1, 0, 0
	totalUtil, totalCapacity := 0, 0
	totalNr, totalCPUs := 0, 0
	for _, cpu := range cpus {
		s := b.queues[cpu].Stats()
		if !s.Online {
			continue
		}
		totalUtil += s.Util
		totalCapacity += b.topo.Capacity(cpu)
		totalCPUs++
		totalNr += s.NrRunning

		if s.ActiveBalance {
			continue
		}
		if s.NrCFS < 2 && s.NrBigTasks == 0 {
			continue
		}
		if !rotation && !b.model.IsOverutilized(cpu) {
			continue
		}
		if s.Util > busiestUtil {
			busiestUtil = s.Util
			busiest = cpu
			busyNrBigTasks = s.NrBigTasks
		}
	}
	if !rotation && busyNrBigTasks == 0 &&
		(totalNr <= totalCPUs || totalUtil*aggregateGateNum < totalCapacity*aggregateGateDenom) {
		busiest = -1
	}
	return busiest
}
