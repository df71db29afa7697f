package energymodel

import (
	"hmp-balance/internal/runqueue"
	"hmp-balance/internal/topology"
)

// Model is the capacity/energy view the balancer consults: per-CPU
// compute capacity, overutilization, and a better-CPU query for misfit
// placement.
type Model interface {
	Capacity(cpu int) int
	IsOverutilized(cpu int) bool
	// FindBetterCPU returns a preferred destination for the task, or -1
	// when no CPU outside its current cluster improves on the placement.
	FindBetterCPU(t *runqueue.Task, cpu int) int
}

const (
	capacityScale = 1024

	// capacityMarginUp leaves ~5% headroom when judging whether a task
	// fits where it is or one tier up; capacityMarginDown demands ~15%
	// headroom before a task may move to a weaker CPU.
	capacityMarginUp   = 1078
	capacityMarginDown = 1205
)

// BasicModel derives placement decisions from instantaneous queue
// utilization and the static capacity topology.
type BasicModel struct {
	topo   *topology.Topology
	queues []*runqueue.RunQueue
}

func NewBasicModel(topo *topology.Topology, queues []*runqueue.RunQueue) *BasicModel {
	return &BasicModel{topo: topo, queues: queues}
}

func (m *BasicModel) Capacity(cpu int) int {
	return m.topo.Capacity(cpu)
}

func (m *BasicModel) IsOverutilized(cpu int) bool {
	util := m.queues[cpu].Stats().Util
	return util*capacityMarginUp > m.topo.Capacity(cpu)*capacityScale
}

// TaskFits reports whether the task's demand fits cpu with margin. The
// margin is direction-dependent: a downward move needs the bigger
// headroom.
func (m *BasicModel) TaskFits(t *runqueue.Task, cpu int) bool {
	capacity := m.topo.Capacity(cpu)
	margin := capacityMarginUp
	if t.CPU >= 0 && m.topo.Capacity(t.CPU) > capacity {
		margin = capacityMarginDown
	}
	return capacity*capacityScale > t.Demand*margin
}

// IsMisfit reports whether the task overreaches cpu. Nothing is misfit
// on a max-capacity CPU; there is nowhere better to go.
func (m *BasicModel) IsMisfit(t *runqueue.Task, cpu int) bool {
	if m.topo.IsMaxCapacityCPU(cpu) {
		return false
	}
	return !m.TaskFits(t, cpu)
}

// FindBetterCPU walks clusters from weakest to strongest and returns the
// least-utilized allowed, online, unreserved CPU of the first cluster
// outside the task's current one where the task fits, preferring idle
// CPUs. Packing into the weakest adequate cluster keeps the energy cost
// of the move down.
func (m *BasicModel) FindBetterCPU(t *runqueue.Task, cpu int) int {
	ownCluster := m.topo.ClusterID(cpu)

	for _, cluster := range m.topo.Clusters() {
		if cluster.ID == ownCluster {
			continue
		}

		best := -1
		bestUtil := 0
		bestIdle := false
		for _, candidate := range cluster.CPUs {
			if !t.AllowedCPUs.Has(candidate) {
				continue
			}
			if !m.TaskFits(t, candidate) {
				continue
			}
			s := m.queues[candidate].Stats()
			if !s.Online || s.Reserved {
				continue
			}
			idle := s.CurrClass == runqueue.ClassIdle
			better := best == -1 ||
				(idle && !bestIdle) ||
				(idle == bestIdle && s.Util < bestUtil)
			if better {
				best = candidate
				bestUtil = s.Util
				bestIdle = idle
			}
		}
		if best != -1 {
			return best
		}
	}
	return -1
}
