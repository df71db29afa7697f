package datahandeling

import (
	"sort"
	"time"

	"hmp-balance/internal/topology"
	"hmp-balance/internal/trace"
)

// processed run results ready for database storage
type RunMetrics struct {
	CPUMetrics []CPUMetrics     `json:"cpu_metrics"`
	Migrations MigrationSummary `json:"migrations"`
}

// CPUMetrics holds one CPU's full sampled series plus aggregates over it
type CPUMetrics struct {
	CPU               int          `json:"cpu"`
	Cluster           string       `json:"cluster"`
	Capacity          int          `json:"capacity"`
	Steps             []MetricStep `json:"steps"`
	AvgUtil           float64      `json:"avg_util"`
	PeakUtil          int          `json:"peak_util"`
	OverutilizedTicks int          `json:"overutilized_ticks"`
	IdleTicks         int          `json:"idle_ticks"`
}

// processed sample for a single tick
type MetricStep struct {
	StepNumber   int       `json:"step_number"`
	Timestamp    time.Time `json:"timestamp"`
	RelativeTime int64     `json:"relative_time"` // Time from first sample in nanoseconds

	Util         int    `json:"util"`
	NrRunning    int    `json:"nr_running"`
	NrCFS        int    `json:"nr_cfs"`
	NrBigTasks   int    `json:"nr_big_tasks"`
	MisfitLoad   int    `json:"misfit_load"`
	Overutilized bool   `json:"overutilized"`
	Curr         string `json:"curr,omitempty"`
	CurrClass    string `json:"curr_class,omitempty"`
}

// MigrationSummary aggregates the run's migrations by kind and direction.
// Upward counts moves to a strictly higher-capacity CPU, Downward the
// opposite, Lateral moves between equal-capacity CPUs.
type MigrationSummary struct {
	Total     int            `json:"total"`
	ByKind    map[string]int `json:"by_kind"`
	Upward    int            `json:"upward"`
	Downward  int            `json:"downward"`
	Lateral   int            `json:"lateral"`
	AvgWaitMS float64        `json:"avg_wait_ms"`
	MaxWaitMS float64        `json:"max_wait_ms"`
}

// process a raw trace into structured run metrics
type DataHandler interface {
	ProcessTrace(topo *topology.Topology, tr *trace.Trace, startTime, endTime time.Time) (*RunMetrics, error)
}

type DefaultDataHandler struct{}

func NewDefaultDataHandler() *DefaultDataHandler {
	return &DefaultDataHandler{}
}

// ProcessTrace converts a raw trace to processed run metrics.
// It uses a two-pass approach so relative time starts from the first sample:
// 1. First pass: Find the earliest timestamp across all CPUs
// 2. Second pass: Calculate relative times using this reference point
func (h *DefaultDataHandler) ProcessTrace(topo *topology.Topology, tr *trace.Trace, startTime, endTime time.Time) (*RunMetrics, error) {
	var traceStartTime time.Time
	var hasData bool

	cpus := tr.AllCPUs()
	for _, cpuTrace := range cpus {
		for _, sample := range cpuTrace.AllSamples() {
			if sample == nil {
				continue
			}
			if !hasData || sample.Timestamp.Before(traceStartTime) {
				traceStartTime = sample.Timestamp
				hasData = true
			}
		}
	}

	// If no data found, fall back to the run start time
	if !hasData {
		traceStartTime = startTime
	}

	cpuIDs := make([]int, 0, len(cpus))
	for cpu := range cpus {
		cpuIDs = append(cpuIDs, cpu)
	}
	sort.Ints(cpuIDs)

	var cpuMetrics []CPUMetrics
	for _, cpu := range cpuIDs {
		cpuMetrics = append(cpuMetrics, h.processCPU(topo, cpu, cpus[cpu], traceStartTime))
	}

	return &RunMetrics{
		CPUMetrics: cpuMetrics,
		Migrations: h.summarizeMigrations(topo, tr.Migrations()),
	}, nil
}

func (h *DefaultDataHandler) processCPU(topo *topology.Topology, cpu int, cpuTrace *trace.CPUTrace, traceStartTime time.Time) CPUMetrics {
	sampleMap := cpuTrace.AllSamples()
	stepNumbers := make([]int, 0, len(sampleMap))
	for t := range sampleMap {
		stepNumbers = append(stepNumbers, t)
	}
	sort.Ints(stepNumbers)

	metrics := CPUMetrics{
		CPU:      cpu,
		Cluster:  topo.ClusterOf(cpu).Name,
		Capacity: topo.Capacity(cpu),
	}

	utilSum := 0
	for _, t := range stepNumbers {
		sample := sampleMap[t]
		if sample == nil {
			continue
		}

		metrics.Steps = append(metrics.Steps, MetricStep{
			StepNumber:   t,
			Timestamp:    sample.Timestamp,
			RelativeTime: sample.Timestamp.Sub(traceStartTime).Nanoseconds(),
			Util:         sample.Util,
			NrRunning:    sample.NrRunning,
			NrCFS:        sample.NrCFS,
			NrBigTasks:   sample.NrBigTasks,
			MisfitLoad:   sample.MisfitLoad,
			Overutilized: sample.Overutilized,
			Curr:         sample.Curr,
			CurrClass:    sample.CurrClass,
		})

		utilSum += sample.Util
		if sample.Util > metrics.PeakUtil {
			metrics.PeakUtil = sample.Util
		}
		if sample.Overutilized {
			metrics.OverutilizedTicks++
		}
		if sample.NrRunning == 0 {
			metrics.IdleTicks++
		}
	}

	if len(metrics.Steps) > 0 {
		metrics.AvgUtil = float64(utilSum) / float64(len(metrics.Steps))
	}
	return metrics
}

func (h *DefaultDataHandler) summarizeMigrations(topo *topology.Topology, migrations []trace.Migration) MigrationSummary {
	summary := MigrationSummary{
		Total:  len(migrations),
		ByKind: make(map[string]int),
	}

	var waitSum int64
	var waitMax int64
	for _, m := range migrations {
		summary.ByKind[m.Kind]++

		srcCap := topo.Capacity(m.SrcCPU)
		dstCap := topo.Capacity(m.DstCPU)
		switch {
		case dstCap > srcCap:
			summary.Upward++
		case dstCap < srcCap:
			summary.Downward++
		default:
			summary.Lateral++
		}

		waitSum += m.WaitNS
		if m.WaitNS > waitMax {
			waitMax = m.WaitNS
		}
	}

	if summary.Total > 0 {
		summary.AvgWaitMS = float64(waitSum) / float64(summary.Total) / 1e6
	}
	summary.MaxWaitMS = float64(waitMax) / 1e6
	return summary
}
