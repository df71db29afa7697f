// Package sim drives the load balancer against a synthetic workload on a
// virtual clock. One iteration models one scheduler tick: tasks arrive
// and finish, every CPU picks what to run, and the balancer hooks fire
// the way the real scheduler would call them, with the stopper pool
// drained at each tick edge so a run is reproducible.
package sim

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hmp-balance/internal/balancer"
	"hmp-balance/internal/config"
	"hmp-balance/internal/energymodel"
	"hmp-balance/internal/logging"
	"hmp-balance/internal/runqueue"
	"hmp-balance/internal/stopper"
	"hmp-balance/internal/topology"
	"hmp-balance/internal/trace"
)

const (
	// groupBalanceTicks spaces the periodic group balance passes out,
	// the way domain balancing runs on a multiple of the tick.
	groupBalanceTicks = 50

	// fairQuantum is how long a fair task keeps its CPU while equal
	// rivals wait on the same queue.
	fairQuantum = 20 * time.Millisecond
)

// Result is what one finished run hands to the data pipeline.
type Result struct {
	RunID      string
	StartTime  time.Time
	EndTime    time.Time
	TotalTicks int
	Trace      *trace.Trace
}

// simTask pairs a task with its arrival and departure ticks.
type simTask struct {
	task      *runqueue.Task
	startTick int
	stopTick  int
	started   bool
	stopped   bool
}

// Simulation owns the queues, the balancer and the workload of one run.
type Simulation struct {
	cfg    *config.SimulationConfig
	topo   *topology.Topology
	queues []*runqueue.RunQueue
	model  *energymodel.BasicModel
	pool   *stopper.Pool
	strat  balancer.Strategy
	// bal is the capacity-aware strategy when selected, nil under the
	// generic policy. Rotation control only exists on it.
	bal   *balancer.Balancer
	tr    *trace.Trace
	rec   *runRecorder
	clock *Clock
	log   *logrus.Logger

	runID        string
	tasks        []*simTask
	tickInterval time.Duration
	totalTicks   int
	quantumTicks int
	policy       string
	rotationMode string

	// currTicks counts how long each CPU's current task has held it.
	currTicks []int
	prevIdle  []bool
	closed    bool
}

// runRecorder stamps balancer migrations with the tick they happened on
// and stores them on the run trace.
type runRecorder struct {
	tr   *trace.Trace
	tick atomic.Int64
}

func (r *runRecorder) RecordMigration(ev balancer.MigrationEvent) {
	r.tr.AddMigration(trace.Migration{
		T:      int(r.tick.Load()),
		Kind:   ev.Kind,
		Task:   ev.Task,
		TaskID: ev.TaskID,
		SrcCPU: ev.SrcCPU,
		DstCPU: ev.DstCPU,
		WaitNS: ev.Waited.Nanoseconds(),
		At:     ev.At,
	})
}

// New assembles a simulation from a validated config and the topology
// the run models.
func New(cfg *config.SimulationConfig, topo *topology.Topology) (*Simulation, error) {
	if cfg.Simulation.MaxT <= 0 {
		return nil, fmt.Errorf("simulation duration must be positive, got %d", cfg.Simulation.MaxT)
	}

	tickInterval := cfg.GetTickInterval()
	ticksPerSecond := int(time.Second / tickInterval)
	if ticksPerSecond < 1 {
		ticksPerSecond = 1
	}

	queues := make([]*runqueue.RunQueue, topo.NumCPUs())
	tr := trace.NewTrace()
	for cpu := 0; cpu < topo.NumCPUs(); cpu++ {
		queues[cpu] = runqueue.NewRunQueue(cpu, topo.Capacity(cpu))
		tr.AddCPU(cpu)
	}

	model := energymodel.NewBasicModel(topo, queues)
	pool := stopper.NewPool(topo.NumCPUs())
	rec := &runRecorder{tr: tr}

	s := &Simulation{
		cfg:          cfg,
		topo:         topo,
		queues:       queues,
		model:        model,
		pool:         pool,
		tr:           tr,
		rec:          rec,
		clock:        NewClock(time.Now()),
		log:          logging.GetLogger(),
		runID:        uuid.New().String(),
		tickInterval: tickInterval,
		totalTicks:   cfg.Simulation.MaxT * ticksPerSecond,
		quantumTicks: quantumTicks(tickInterval),
		policy:       balancerPolicy(cfg),
		rotationMode: rotationMode(cfg),
		currTicks:    make([]int, topo.NumCPUs()),
		prevIdle:     make([]bool, topo.NumCPUs()),
	}
	if s.policy == "generic" {
		s.strat = balancer.NewGeneric(queues)
	} else {
		s.bal = balancer.New(topo, queues, model, pool, rec)
		s.strat = s.bal
	}

	if err := s.buildWorkload(ticksPerSecond); err != nil {
		pool.Stop()
		return nil, err
	}
	return s, nil
}

func balancerPolicy(cfg *config.SimulationConfig) string {
	policy := cfg.Simulation.Balancer.Policy
	if policy == "" {
		policy = "capacity"
	}
	return policy
}

func quantumTicks(tickInterval time.Duration) int {
	q := int(fairQuantum / tickInterval)
	if q < 1 {
		q = 1
	}
	return q
}

func rotationMode(cfg *config.SimulationConfig) string {
	mode := cfg.Simulation.Balancer.Rotation
	if mode == "" {
		mode = "auto"
	}
	return mode
}

func (s *Simulation) buildWorkload(ticksPerSecond int) error {
	maxT := s.cfg.Simulation.MaxT
	id := 0
	for _, tc := range s.cfg.GetTasksSorted() {
		id++
		class, err := runqueue.ParseClass(tc.Class)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.KeyName, err)
		}
		boost, err := runqueue.ParseBoost(tc.Boost)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.KeyName, err)
		}
		t := runqueue.NewTask(id, tc.KeyName, tc.Demand, class)
		t.Boost = boost
		t.InIOWait = tc.IOWait
		if len(tc.CPUList) > 0 {
			// Pinning against a detected topology is only checkable here.
			for _, cpu := range tc.CPUList {
				if cpu < 0 || cpu >= s.topo.NumCPUs() {
					return fmt.Errorf("task %s: cpu %d is not part of the topology", tc.KeyName, cpu)
				}
			}
			t.AllowedCPUs = runqueue.MaskOf(tc.CPUList...)
		} else {
			t.AllowedCPUs = runqueue.FullMask(s.topo.NumCPUs())
		}
		s.tasks = append(s.tasks, &simTask{
			task:      t,
			startTick: tc.GetStartSeconds() * ticksPerSecond,
			stopTick:  tc.GetStopSeconds(maxT) * ticksPerSecond,
		})
	}
	return nil
}

// RunID returns the identity this run writes its results under.
func (s *Simulation) RunID() string {
	return s.runID
}

// Run executes the whole schedule and returns the collected trace. The
// virtual clock serves as the queue time source for the duration of the
// call.
func (s *Simulation) Run() (*Result, error) {
	if s.closed {
		return nil, fmt.Errorf("simulation already closed")
	}

	prevNow := runqueue.Now
	runqueue.Now = s.clock.Now
	defer func() { runqueue.Now = prevNow }()

	if s.bal != nil && s.rotationMode == "on" {
		s.bal.SetRotationEnabled(true)
	}

	start := s.clock.Now()
	s.log.WithFields(logrus.Fields{
		"run_id":   s.runID,
		"name":     s.cfg.Simulation.Name,
		"policy":   s.policy,
		"cpus":     s.topo.NumCPUs(),
		"clusters": s.topo.NumClusters(),
		"tasks":    len(s.tasks),
		"ticks":    s.totalTicks,
		"interval": s.tickInterval,
	}).Info("Starting simulation")

	idle := make([]bool, len(s.queues))
	for tick := 0; tick < s.totalTicks; tick++ {
		s.rec.tick.Store(int64(tick))
		s.clock.Advance(s.tickInterval)

		s.retireTasks(tick)
		s.admitTasks(tick)
		s.scheduleAll(idle)

		if s.bal != nil && s.rotationMode == "auto" {
			s.bal.SetRotationEnabled(s.allOverutilized())
		}
		if tick > 0 && tick%groupBalanceTicks == 0 {
			s.groupBalance()
		}

		kick := false
		for cpu := range s.queues {
			if idle[cpu] {
				continue
			}
			s.strat.OnTick(cpu)
			if s.strat.OnNoHZKick(cpu) {
				kick = true
			}
		}
		for cpu := range s.queues {
			if idle[cpu] && (kick || !s.prevIdle[cpu]) {
				s.strat.OnNewlyIdle(cpu)
			}
		}

		s.pool.Quiesce()
		s.sample(tick)
		copy(s.prevIdle, idle)
	}

	end := s.clock.Now()
	s.log.WithFields(logrus.Fields{
		"run_id":     s.runID,
		"migrations": s.tr.MigrationCount(),
		"modeled":    end.Sub(start),
	}).Info("Simulation finished")

	return &Result{
		RunID:      s.runID,
		StartTime:  start,
		EndTime:    end,
		TotalTicks: s.totalTicks,
		Trace:      s.tr,
	}, nil
}

// retireTasks takes finished tasks off their queues. Between ticks the
// stopper pool is drained, so task placement only changes under the
// queue lock taken here.
func (s *Simulation) retireTasks(tick int) {
	for _, st := range s.tasks {
		if st.stopped || !st.started || tick < st.stopTick {
			continue
		}
		t := st.task
		cpu := t.CPU
		if cpu >= 0 {
			rq := s.queues[cpu]
			rq.Lock()
			if t.CPU == cpu && t.State != runqueue.TaskBlocked {
				rq.DetachLocked(t)
			}
			rq.Unlock()
		}
		t.State = runqueue.TaskBlocked
		st.stopped = true
		s.log.WithFields(logrus.Fields{
			"task": t.Name,
			"cpu":  cpu,
			"t":    tick,
		}).Debug("Task finished")
	}
}

func (s *Simulation) admitTasks(tick int) {
	for _, st := range s.tasks {
		if st.started || st.stopped || tick < st.startTick {
			continue
		}
		cpu := s.placeTask(st.task)
		if cpu == -1 {
			s.log.WithField("task", st.task.Name).Warn("No online CPU allows task, retrying next tick")
			continue
		}
		rq := s.queues[cpu]
		rq.Lock()
		rq.AttachLocked(st.task)
		rq.Unlock()
		st.started = true
		s.log.WithFields(logrus.Fields{
			"task": st.task.Name,
			"cpu":  cpu,
			"t":    tick,
		}).Debug("Task started")
	}
}

// placeTask picks the wake-up CPU: the least-utilized allowed online
// CPU, lowest id on ties. Capacity fit is deliberately not consulted;
// correcting a bad initial placement is the balancer's job.
func (s *Simulation) placeTask(t *runqueue.Task) int {
	best, bestUtil := -1, 0
	for cpu := 0; cpu < s.topo.NumCPUs(); cpu++ {
		if !t.AllowedCPUs.Has(cpu) {
			continue
		}
		stats := s.queues[cpu].Stats()
		if !stats.Online {
			continue
		}
		if best == -1 || stats.Util < bestUtil {
			best, bestUtil = cpu, stats.Util
		}
	}
	return best
}

func (s *Simulation) allOverutilized() bool {
	for cpu, rq := range s.queues {
		if !rq.Stats().Online {
			continue
		}
		if !s.model.IsOverutilized(cpu) {
			return false
		}
	}
	return true
}

// groupBalance is the periodic domain pass: within each cluster the
// least-loaded CPU tries to pull one queued fair task, first from a
// same-cluster peer, then from the other clusters as whole groups.
func (s *Simulation) groupBalance() {
	for _, cluster := range s.topo.Clusters() {
		dst := s.leastLoadedCPU(cluster.CPUs)
		if dst == -1 {
			continue
		}
		src := -1
		if peer := s.busiestPeer(cluster.CPUs, dst); peer != -1 {
			src = s.strat.OnFindBusiestInGroup(dst, runqueue.MaskOf(peer))
		}
		if src == -1 {
			for _, other := range s.topo.Clusters() {
				if other.ID == cluster.ID {
					continue
				}
				src = s.strat.OnFindBusiestInGroup(dst, runqueue.MaskOf(other.CPUs...))
				if src != -1 {
					break
				}
			}
		}
		if src == -1 || src == dst {
			continue
		}
		s.migrateOneQueued(src, dst)
	}
}

func (s *Simulation) leastLoadedCPU(cpus []int) int {
	best, bestUtil := -1, 0
	for _, cpu := range cpus {
		stats := s.queues[cpu].Stats()
		if !stats.Online {
			continue
		}
		if best == -1 || stats.Util < bestUtil {
			best, bestUtil = cpu, stats.Util
		}
	}
	return best
}

// busiestPeer returns the same-cluster CPU with the most load and at
// least two fair tasks, or -1. Pulling from a CPU running a lone task
// just moves the imbalance around.
func (s *Simulation) busiestPeer(cpus []int, dst int) int {
	best, bestUtil := -1, 0
	for _, cpu := range cpus {
		if cpu == dst {
			continue
		}
		stats := s.queues[cpu].Stats()
		if !stats.Online || stats.NrCFS < 2 {
			continue
		}
		if stats.Util > bestUtil {
			best, bestUtil = cpu, stats.Util
		}
	}
	return best
}

func (s *Simulation) migrateOneQueued(src, dst int) {
	srcRq := s.queues[src]
	srcRq.Lock()
	candidates := append([]*runqueue.Task(nil), srcRq.CFSTasksLocked()...)
	srcRq.Unlock()

	for _, t := range candidates {
		if t.State != runqueue.TaskRunnable {
			continue
		}
		if !s.strat.OnCanMigrateTask(t, dst) {
			continue
		}
		if s.strat.OnMigrateQueuedTask(t, dst) {
			return
		}
	}
}

func (s *Simulation) sample(tick int) {
	now := s.clock.Now()
	for cpu, rq := range s.queues {
		stats := rq.Stats()
		sample := &trace.TickSample{
			Timestamp:    now,
			Online:       stats.Online,
			Util:         stats.Util,
			NrRunning:    stats.NrRunning,
			NrCFS:        stats.NrCFS,
			NrBigTasks:   stats.NrBigTasks,
			MisfitLoad:   stats.MisfitLoad,
			Overutilized: s.model.IsOverutilized(cpu),
		}
		rq.Lock()
		if curr := rq.CurrLocked(); curr != nil {
			sample.Curr = curr.Name
			sample.CurrClass = curr.Class.String()
		}
		rq.Unlock()
		s.tr.CPU(cpu).AddSample(tick, sample)
	}
}

// Close releases the stopper pool. The simulation cannot run afterwards.
func (s *Simulation) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.pool.Stop()
}
