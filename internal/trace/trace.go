package trace

import (
	"sync"
	"time"
)

// Trace is the in-memory record of one balancer run: a sampled series per
// CPU plus every migration the balancer performed.
type Trace struct {
	cpus       map[int]*CPUTrace
	migrations []Migration
	mutex      sync.RWMutex
}

type CPUTrace struct {
	samples map[int]*TickSample
	mutex   sync.RWMutex
}

// TickSample is one CPU's state at the end of a tick.
type TickSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Online       bool      `json:"online"`
	Util         int       `json:"util"`
	NrRunning    int       `json:"nr_running"`
	NrCFS        int       `json:"nr_cfs"`
	NrBigTasks   int       `json:"nr_big_tasks"`
	MisfitLoad   int       `json:"misfit_load"`
	Overutilized bool      `json:"overutilized"`
	Curr         string    `json:"curr,omitempty"`
	CurrClass    string    `json:"curr_class,omitempty"`
}

// Migration is one recorded task movement. T is the tick it happened on.
type Migration struct {
	T      int       `json:"t"`
	Kind   string    `json:"kind"`
	Task   string    `json:"task"`
	TaskID int       `json:"task_id"`
	SrcCPU int       `json:"src_cpu"`
	DstCPU int       `json:"dst_cpu"`
	WaitNS int64     `json:"wait_ns"`
	At     time.Time `json:"at"`
}

func NewTrace() *Trace {
	return &Trace{
		cpus: make(map[int]*CPUTrace),
	}
}

func (tr *Trace) CPU(cpu int) *CPUTrace {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()
	return tr.cpus[cpu]
}

func (tr *Trace) AddCPU(cpu int) *CPUTrace {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	ct := &CPUTrace{
		samples: make(map[int]*TickSample),
	}
	tr.cpus[cpu] = ct
	return ct
}

func (tr *Trace) AllCPUs() map[int]*CPUTrace {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	result := make(map[int]*CPUTrace)
	for k, v := range tr.cpus {
		result[k] = v
	}
	return result
}

func (tr *Trace) AddMigration(m Migration) {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	tr.migrations = append(tr.migrations, m)
}

func (tr *Trace) Migrations() []Migration {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()

	result := make([]Migration, len(tr.migrations))
	copy(result, tr.migrations)
	return result
}

func (tr *Trace) MigrationCount() int {
	tr.mutex.RLock()
	defer tr.mutex.RUnlock()
	return len(tr.migrations)
}

func (ct *CPUTrace) AddSample(t int, sample *TickSample) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()
	ct.samples[t] = sample
}

func (ct *CPUTrace) Sample(t int) *TickSample {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()
	return ct.samples[t]
}

func (ct *CPUTrace) AllSamples() map[int]*TickSample {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	result := make(map[int]*TickSample)
	for k, v := range ct.samples {
		result[k] = v
	}
	return result
}

func (ct *CPUTrace) LatestSample() *TickSample {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()

	maxT := -1
	var latest *TickSample
	for t, sample := range ct.samples {
		if t > maxT {
			maxT = t
			latest = sample
		}
	}
	return latest
}
