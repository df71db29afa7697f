package balancer

import (
	"testing"

	"hmp-balance/internal/runqueue"
)

// loadCPU attaches tasks with the given demands; running is the demand
// of the current task, 0 for none.
func loadCPU(r *rig, cpu int, running int, queued ...int) []*runqueue.Task {
	var tasks []*runqueue.Task
	next := cpu*100 + 1
	if running > 0 {
		tk := r.newTask(next, "curr", running)
		r.place(tk, cpu, true)
		tasks = append(tasks, tk)
		next++
	}
	for _, demand := range queued {
		tk := r.newTask(next, "queued", demand)
		r.place(tk, cpu, false)
		tasks = append(tasks, tk)
		next++
	}
	return tasks
}

func TestFindBusiestSameCapacityFirstScannedWinsTies(t *testing.T) {
	r := newRig(t, littleBig())
	loadCPU(r, 0, 0, 130, 130)
	loadCPU(r, 1, 0, 130, 130)

	if got := r.bal.findBusiestSameCapacity([]int{0, 1}); got != 0 {
		t.Fatalf("tie should keep the first candidate, got %d", got)
	}
	if got := r.bal.findBusiestSameCapacity([]int{1, 0}); got != 1 {
		t.Fatalf("tie should keep the first candidate, got %d", got)
	}
}

func TestFindBusiestSameCapacityRequiresTwoTasks(t *testing.T) {
	r := newRig(t, littleBig())
	// One heavy task outweighs two light ones but a lone task cannot be
	// balanced away.
	loadCPU(r, 2, 0, 900)
	loadCPU(r, 3, 0, 200, 200)

	if got := r.bal.findBusiestSameCapacity([]int{2, 3}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := r.bal.findBusiestSameCapacity([]int{2}); got != -1 {
		t.Fatalf("expected -1 for single-task candidate, got %d", got)
	}
}

func TestFindBusiestHigherCapacitySkipsSmallTaskPair(t *testing.T) {
	r := newRig(t, littleBig())
	// cpu2 carries more utilization, but its running task is tiny: a
	// two-task queue like that is not worth pulling down from.
	loadCPU(r, 2, 80, 944)
	loadCPU(r, 3, 500, 500)

	if got := r.bal.findBusiestHigherCapacity([]int{2, 3}); got != 3 {
		t.Fatalf("expected small-task pair skipped and 3 picked, got %d", got)
	}
}

func TestFindBusiestHigherCapacityAggregateGate(t *testing.T) {
	r := newRig(t, littleBig())
	// A single loaded CPU in an otherwise idle strong cluster: the
	// cluster is not busy in aggregate, so nothing moves down.
	loadCPU(r, 2, 400, 400, 400)

	if got := r.bal.findBusiestHigherCapacity([]int{2, 3}); got != -1 {
		t.Fatalf("expected aggregate gate to veto, got %d", got)
	}

	// Rotation overrides the gate and the overutilization requirement.
	r.bal.SetRotationEnabled(true)
	if got := r.bal.findBusiestHigherCapacity([]int{2, 3}); got != 2 {
		t.Fatalf("expected rotation to bypass the gate, got %d", got)
	}
}

func TestFindBusiestHigherCapacityIgnoresOfflineCPU(t *testing.T) {
	r := newRig(t, littleBig())
	loadCPU(r, 2, 400, 400, 400)
	loadCPU(r, 3, 400, 400, 200)
	r.queues[2].Lock()
	r.queues[2].SetOnlineLocked(false)
	r.queues[2].Unlock()

	// With cpu2 out of the picture, cpu3 alone clears the gate.
	if got := r.bal.findBusiestHigherCapacity([]int{2, 3}); got != 3 {
		t.Fatalf("expected offline cpu ignored and 3 picked, got %d", got)
	}
}

func TestFindBusiestLowerCapacityBigTaskBypassesGate(t *testing.T) {
	r := newRig(t, littleBig())
	tasks := loadCPU(r, 0, 700)
	r.markMisfit(tasks[0])

	// One big task on an otherwise quiet cluster: too few runnable for
	// the usual rules, but big tasks are exactly what a stronger CPU
	// should take over.
	if got := r.bal.findBusiestLowerCapacity([]int{0, 1}); got != 0 {
		t.Fatalf("expected big task to qualify cpu 0, got %d", got)
	}

	r.queues[0].Lock()
	tasks[0].Misfit = false
	r.queues[0].Unlock()
	if got := r.bal.findBusiestLowerCapacity([]int{0, 1}); got != -1 {
		t.Fatalf("expected -1 once the task no longer counts as big, got %d", got)
	}
}

func TestFindBusiestLowerCapacitySkipsActiveBalance(t *testing.T) {
	r := newRig(t, littleBig())
	busy := loadCPU(r, 0, 150, 150)
	loadCPU(r, 1, 150, 150)

	r.queues[0].Lock()
	if !r.queues[0].BeginActiveBalanceLocked(busy[0], 2) {
		t.Fatalf("could not mark active balance")
	}
	r.queues[0].Unlock()

	if got := r.bal.findBusiestLowerCapacity([]int{0, 1}); got != 1 {
		t.Fatalf("expected active-balancing source skipped, got %d", got)
	}

	r.queues[0].Lock()
	r.queues[0].ClearActiveBalanceLocked()
	r.queues[0].Unlock()
}

// The gate bypass consults the big-task count of the final pick only; a
// big task on a candidate that lost the utilization race does not count.
func TestFindBusiestLowerCapacityGateUsesPickedCandidate(t *testing.T) {
	t.Run("pick without big tasks keeps the gate", func(t *testing.T) {
		r := newRig(t, quadLittleBig())
		withBig := loadCPU(r, 0, 150, 100)
		r.queues[0].Lock()
		withBig[0].Misfit = true
		r.queues[0].Unlock()
		loadCPU(r, 1, 150, 105)

		// cpu1 wins on utilization and has no big tasks; with the
		// cluster half idle the aggregate gate vetoes the result.
		if got := r.bal.findBusiestLowerCapacity([]int{0, 1, 2, 3}); got != -1 {
			t.Fatalf("expected gate to use the pick's big-task count, got %d", got)
		}
	})

	t.Run("pick with big tasks waives the gate", func(t *testing.T) {
		r := newRig(t, quadLittleBig())
		withBig := loadCPU(r, 0, 150, 105)
		r.queues[0].Lock()
		withBig[0].Misfit = true
		r.queues[0].Unlock()
		loadCPU(r, 1, 150, 100)

		if got := r.bal.findBusiestLowerCapacity([]int{0, 1, 2, 3}); got != 0 {
			t.Fatalf("expected big task on the pick to waive the gate, got %d", got)
		}
	})
}
