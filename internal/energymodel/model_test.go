package energymodel

import (
	"testing"

	"hmp-balance/internal/runqueue"
	"hmp-balance/internal/topology"
)

func testSetup(t *testing.T, clusters []topology.Cluster) (*topology.Topology, []*runqueue.RunQueue, *BasicModel) {
	t.Helper()
	topo, err := topology.New(clusters)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	queues := make([]*runqueue.RunQueue, topo.NumCPUs())
	for _, cpu := range topo.CPUs() {
		queues[cpu] = runqueue.NewRunQueue(cpu, topo.Capacity(cpu))
	}
	return topo, queues, NewBasicModel(topo, queues)
}

func twoTier(t *testing.T) (*topology.Topology, []*runqueue.RunQueue, *BasicModel) {
	t.Helper()
	return testSetup(t, []topology.Cluster{
		{Name: "little", CPUs: []int{0, 1, 2, 3}, Capacity: 260},
		{Name: "big", CPUs: []int{4, 5}, Capacity: 1024},
	})
}

func placeTask(t *testing.T, rq *runqueue.RunQueue, task *runqueue.Task, running bool) {
	t.Helper()
	rq.Lock()
	rq.AttachLocked(task)
	if running {
		rq.SetCurrLocked(task)
	}
	rq.Unlock()
}

func newTask(id, demand int, allowed runqueue.Mask) *runqueue.Task {
	task := runqueue.NewTask(id, "", demand, runqueue.ClassFair)
	task.AllowedCPUs = allowed
	return task
}

func TestIsOverutilizedMargin(t *testing.T) {
	_, queues, m := twoTier(t)

	// 260-capacity CPU tips over at util*1078 > 260*1024, i.e. util > 246.
	placeTask(t, queues[0], newTask(1, 246, runqueue.FullMask(6)), true)
	if m.IsOverutilized(0) {
		t.Fatalf("util 246 on capacity 260 should not be overutilized")
	}

	placeTask(t, queues[1], newTask(2, 247, runqueue.FullMask(6)), true)
	if !m.IsOverutilized(1) {
		t.Fatalf("util 247 on capacity 260 should be overutilized")
	}
}

func TestTaskFitsDirectionalMargins(t *testing.T) {
	_, queues, m := twoTier(t)

	// Upward: 1024*1024 > demand*1078, so demand up to 972 fits big.
	up := newTask(1, 900, runqueue.FullMask(6))
	placeTask(t, queues[0], up, true)
	if !m.TaskFits(up, 4) {
		t.Fatalf("demand 900 should fit capacity 1024 upward")
	}

	// Downward: 260*1024 > demand*1205, so demand must stay under 221.
	down := newTask(2, 200, runqueue.FullMask(6))
	placeTask(t, queues[4], down, true)
	if !m.TaskFits(down, 0) {
		t.Fatalf("demand 200 should fit capacity 260 downward")
	}

	heavy := newTask(3, 230, runqueue.FullMask(6))
	placeTask(t, queues[5], heavy, true)
	if m.TaskFits(heavy, 0) {
		t.Fatalf("demand 230 should not fit capacity 260 downward")
	}
	// The same demand moving upward-or-level would fit: the downward
	// margin is the stricter one.
	if 260*1024 <= 230*1078 {
		t.Fatalf("fixture demand no longer sits between the margins")
	}
}

func TestIsMisfit(t *testing.T) {
	_, queues, m := twoTier(t)

	big := newTask(1, 800, runqueue.FullMask(6))
	placeTask(t, queues[0], big, true)
	if !m.IsMisfit(big, 0) {
		t.Fatalf("demand 800 on capacity 260 should be misfit")
	}

	// Nothing is misfit on a max-capacity CPU, however large the demand.
	huge := newTask(2, 1024, runqueue.FullMask(6))
	placeTask(t, queues[4], huge, true)
	if m.IsMisfit(huge, 4) {
		t.Fatalf("nothing should be misfit on the max-capacity tier")
	}
}

func TestFindBetterCPUPrefersIdleThenLeastUtilized(t *testing.T) {
	_, queues, m := twoTier(t)

	misfit := newTask(1, 800, runqueue.FullMask(6))
	placeTask(t, queues[0], misfit, true)

	// cpu 4 busy, cpu 5 idle: idle wins.
	placeTask(t, queues[4], newTask(2, 300, runqueue.FullMask(6)), true)
	if got := m.FindBetterCPU(misfit, 0); got != 5 {
		t.Fatalf("FindBetterCPU = %d, want idle cpu 5", got)
	}

	// Both busy: least utilized wins.
	placeTask(t, queues[5], newTask(3, 500, runqueue.FullMask(6)), true)
	if got := m.FindBetterCPU(misfit, 0); got != 4 {
		t.Fatalf("FindBetterCPU = %d, want least-utilized cpu 4", got)
	}
}

func TestFindBetterCPUSkipsReservedAndDisallowed(t *testing.T) {
	_, queues, m := twoTier(t)

	misfit := newTask(1, 800, runqueue.FullMask(6))
	placeTask(t, queues[0], misfit, true)

	queues[4].Lock()
	if !queues[4].TryReserveLocked() {
		t.Fatalf("reserve cpu 4")
	}
	queues[4].Unlock()

	if got := m.FindBetterCPU(misfit, 0); got != 5 {
		t.Fatalf("FindBetterCPU = %d, want unreserved cpu 5", got)
	}

	// Affinity confined to the little cluster: no better CPU exists.
	pinned := newTask(2, 800, runqueue.MaskOf(0, 1, 2, 3))
	placeTask(t, queues[1], pinned, true)
	if got := m.FindBetterCPU(pinned, 1); got != -1 {
		t.Fatalf("FindBetterCPU = %d, want -1 for cluster-pinned task", got)
	}
}

func TestFindBetterCPUPacksIntoWeakestAdequateCluster(t *testing.T) {
	_, queues, m := testSetup(t, []topology.Cluster{
		{Name: "little", CPUs: []int{0, 1}, Capacity: 260},
		{Name: "mid", CPUs: []int{2, 3}, Capacity: 620},
		{Name: "big", CPUs: []int{4, 5}, Capacity: 1024},
	})

	// Demand 500 fits the mid tier upward (620*1024 > 500*1078), so the
	// search must not escalate to the big tier.
	task := newTask(1, 500, runqueue.FullMask(6))
	placeTask(t, queues[0], task, true)

	got := m.FindBetterCPU(task, 0)
	if got != 2 && got != 3 {
		t.Fatalf("FindBetterCPU = %d, want a mid-tier cpu", got)
	}
}
