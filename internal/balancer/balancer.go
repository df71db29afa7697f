package balancer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"hmp-balance/internal/energymodel"
	"hmp-balance/internal/logging"
	"hmp-balance/internal/metrics"
	"hmp-balance/internal/runqueue"
	"hmp-balance/internal/stopper"
	"hmp-balance/internal/topology"
)

// Strategy is the set of scheduler decision points this engine overrides.
// The scheduler driving the CPUs calls these hooks; Balancer is the
// capacity-aware implementation, Generic the stock fallback without it.
type Strategy interface {
	// OnTick runs the periodic misfit check for cpu's running task.
	OnTick(cpu int)
	// OnNewlyIdle runs pull balancing for a CPU about to idle. It
	// returns 1 when a fair task was pulled or appeared, -1 when a
	// higher-class task is waiting, 0 otherwise.
	OnNewlyIdle(cpu int) int
	// OnFindBusiestInGroup picks the source CPU to unload within a
	// candidate group, or -1.
	OnFindBusiestInGroup(dst int, group runqueue.Mask) int
	// OnMigrateQueuedTask moves a queued, non-running task to dst.
	OnMigrateQueuedTask(t *runqueue.Task, dst int) bool
	// OnCanMigrateTask reports whether t may move to dst. The caller
	// holds the lock of the queue currently holding t.
	OnCanMigrateTask(t *runqueue.Task, dst int) bool
	// OnNoHZKick reports whether an idle-CPU balance kick is warranted.
	OnNoHZKick(cpu int) bool
}

// MigrationEvent describes one completed task movement. Waited is how
// long the task had been on the source queue when it moved.
type MigrationEvent struct {
	Kind   string
	Task   string
	TaskID int
	SrcCPU int
	DstCPU int
	Waited time.Duration
	At     time.Time
}

// EventSink receives completed migrations, typically to persist them.
type EventSink interface {
	RecordMigration(MigrationEvent)
}

// Balancer decides which runnable task moves from which CPU to which CPU
// on tick and idle events, and drives the move while every CPU keeps
// scheduling concurrently.
type Balancer struct {
	topo   *topology.Topology
	queues []*runqueue.RunQueue
	model  energymodel.Model
	pool   *stopper.Pool
	sink   EventSink
	log    *logrus.Logger

	clusterMasks []runqueue.Mask

	// migrationMu serializes the decision phase of tick-driven active
	// balancing so two CPUs do not race to target the same destination.
	// It is never held across a blocking hand-off.
	migrationMu sync.Mutex

	rotationEnabled atomic.Bool
}

func New(topo *topology.Topology, queues []*runqueue.RunQueue, model energymodel.Model, pool *stopper.Pool, sink EventSink) *Balancer {
	if len(queues) != topo.NumCPUs() {
		panic(fmt.Sprintf("balancer: %d queues for %d CPUs", len(queues), topo.NumCPUs()))
	}
	masks := make([]runqueue.Mask, topo.NumClusters())
	for _, c := range topo.Clusters() {
		masks[c.ID] = runqueue.MaskOf(c.CPUs...)
	}
	return &Balancer{
		topo:         topo,
		queues:       queues,
		model:        model,
		pool:         pool,
		sink:         sink,
		log:          logging.GetBalancerLogger(),
		clusterMasks: masks,
	}
}

func (b *Balancer) RotationEnabled() bool {
	return b.rotationEnabled.Load()
}

func (b *Balancer) SetRotationEnabled(enabled bool) {
	if b.rotationEnabled.Swap(enabled) != enabled {
		b.log.WithField("enabled", enabled).Info("Rotation mode changed")
	}
}

// OnTick inspects cpu's running task and, when it is misfit with
// somewhere to go, either delegates to rotation or sets up an active
// balance toward a better CPU.
func (b *Balancer) OnTick(cpu int) {
	rq := b.queues[cpu]

	rq.Lock()
	p := rq.CurrLocked()
	eligible := rq.MisfitLoadLocked() != 0 &&
		p != nil && p.State == runqueue.TaskRunning &&
		p.AllowedCPUs.Count() > 1
	rq.Unlock()
	if !eligible {
		return
	}

	b.migrationMu.Lock()

	if b.RotationEnabled() {
		b.checkForRotation(cpu)
		b.migrationMu.Unlock()
		return
	}

	newCPU := b.model.FindBetterCPU(p, cpu)
	if newCPU < 0 || b.topo.SameCluster(newCPU, cpu) {
		b.migrationMu.Unlock()
		return
	}

	dstRq := b.queues[newCPU]
	runqueue.LockPair(rq, dstRq)
	if rq.ActiveBalanceLocked() {
		runqueue.UnlockPair(rq, dstRq)
		b.migrationMu.Unlock()
		return
	}
	if !dstRq.TryReserveLocked() {
		runqueue.UnlockPair(rq, dstRq)
		b.migrationMu.Unlock()
		metrics.ReservationConflicts.Inc()
		b.log.WithFields(logrus.Fields{
			"src_cpu": cpu,
			"dst_cpu": newCPU,
		}).Debug("Tick balance aborted, destination already reserved")
		return
	}
	p.Get()
	if !rq.BeginActiveBalanceLocked(p, newCPU) {
		p.Put()
		dstRq.ClearReserveLocked()
		runqueue.UnlockPair(rq, dstRq)
		b.migrationMu.Unlock()
		return
	}
	runqueue.UnlockPair(rq, dstRq)
	b.migrationMu.Unlock()

	b.log.WithFields(logrus.Fields{
		"task":    p.Name,
		"src_cpu": cpu,
		"dst_cpu": newCPU,
	}).Debug("Tick balance dispatching active migration")

	if !b.pool.Queue(cpu, func() { b.activeMigration(cpu) }) {
		b.abortActiveBalance(cpu)
		metrics.ActiveBalances.WithLabelValues("dispatch_failed").Inc()
		return
	}
	b.wakeIfIdle(newCPU)
}

// abortActiveBalance rolls an announced active balance back when the
// stopper could not take it.
func (b *Balancer) abortActiveBalance(src int) {
	srcRq := b.queues[src]

	srcRq.Lock()
	if !srcRq.ActiveBalanceLocked() {
		srcRq.Unlock()
		return
	}
	dst := srcRq.PushCPULocked()
	released := srcRq.ClearActiveBalanceLocked()
	srcRq.Unlock()

	dstRq := b.queues[dst]
	dstRq.Lock()
	dstRq.ClearReserveLocked()
	dstRq.Unlock()

	if released != nil {
		released.Put()
	}
}

func (b *Balancer) wakeIfIdle(cpu int) {
	rq := b.queues[cpu]
	rq.Lock()
	if rq.IdleLocked() {
		rq.SetNeedReschedLocked()
	}
	rq.Unlock()
}

// OnNewlyIdle pulls work toward a CPU about to idle, widening the scan
// cluster by cluster. The return follows the pulled-task contract: 1
// when fair work is available here afterwards, -1 when a higher-class
// task showed up, 0 otherwise.
func (b *Balancer) OnNewlyIdle(cpu int) int {
	rq := b.queues[cpu]

	rq.Lock()
	rq.SetMisfitLoadLocked(0)
	rq.SetIdleStampLocked(runqueue.Now())
	online := rq.OnlineLocked()
	rq.Unlock()

	if !online || !b.systemOverloaded() {
		return 0
	}

	// The queue lock stays dropped during the scan, so tasks can land
	// here remotely at any point; bail out as soon as that happens.
	busy := -1
	for _, clusterID := range b.topo.SearchOrder(b.topo.ClusterID(cpu)) {
		busy = b.findBusiestCPU(cpu, b.clusterMasks[clusterID])
		if busy != -1 || rq.Stats().NrRunning > 0 {
			break
		}
	}

	pulled := 0
	if busy != -1 && busy != cpu && rq.Stats().NrRunning == 0 {
		pulled = b.pullTasks(cpu, busy)
	}

	rq.Lock()
	if rq.NrCFSRunningLocked() > 0 && pulled == 0 {
		pulled = 1
	}
	if rq.HigherClassQueuedLocked() {
		pulled = -1
	}
	if pulled != 0 {
		rq.SetIdleStampLocked(time.Time{})
	}
	rq.Unlock()

	switch {
	case pulled > 0:
		metrics.NewidleBalances.WithLabelValues("pulled").Inc()
	case pulled < 0:
		metrics.NewidleBalances.WithLabelValues("higher_class").Inc()
	default:
		metrics.NewidleBalances.WithLabelValues("none").Inc()
	}
	b.log.WithFields(logrus.Fields{
		"cpu":      cpu,
		"busy_cpu": busy,
		"pulled":   pulled,
	}).Trace("Newly idle balance")
	return pulled
}

func (b *Balancer) systemOverloaded() bool {
	for _, rq := range b.queues {
		if rq.Stats().NrRunning >= 2 {
			return true
		}
	}
	return false
}

// OnFindBusiestInGroup picks the pull source within a candidate group. A
// group inside the destination's own cluster holds a single CPU, so it
// is taken as is; cross-cluster groups go through the capacity-relative
// search.
func (b *Balancer) OnFindBusiestInGroup(dst int, group runqueue.Mask) int {
	cpus := group.CPUs()
	if len(cpus) == 0 {
		return -1
	}
	if b.topo.SameCluster(dst, cpus[0]) {
		return cpus[0]
	}
	return b.findBusiestCPU(dst, group)
}

// OnNoHZKick asks for an idle-CPU balance kick when this CPU is both
// overloaded and overutilized. Misfit tasks are the tick path's job, so
// a lone task never warrants a kick.
func (b *Balancer) OnNoHZKick(cpu int) bool {
	if b.queues[cpu].Stats().NrRunning >= 2 && b.model.IsOverutilized(cpu) {
		b.log.WithField("cpu", cpu).Trace("Requesting nohz balance kick")
		return true
	}
	return false
}

func (b *Balancer) emit(kind string, t *runqueue.Task, src, dst int, waited time.Duration) {
	b.log.WithFields(logrus.Fields{
		"kind":    kind,
		"task":    t.Name,
		"task_id": t.ID,
		"src_cpu": src,
		"dst_cpu": dst,
		"waited":  waited,
	}).Debug("Migrated task")
	if b.sink != nil {
		b.sink.RecordMigration(MigrationEvent{
			Kind:   kind,
			Task:   t.Name,
			TaskID: t.ID,
			SrcCPU: src,
			DstCPU: dst,
			Waited: waited,
			At:     runqueue.Now(),
		})
	}
}
