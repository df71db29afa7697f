package topology

import (
	"fmt"
	"sort"
	"strings"

	"hmp-balance/internal/config"
)

// Cluster groups CPUs of equal compute capacity. Capacity is on the
// 0..1024 scale where 1024 is the strongest CPU in the system.
type Cluster struct {
	ID       int
	Name     string
	CPUs     []int
	Capacity int
}

// Topology is the cluster/capacity layout of the machine. It is read-only
// after New; callers must not modify returned slices. Clusters are ordered
// by ascending capacity and CPU ids are dense 0..n-1 so per-CPU state can
// live in flat arrays.
type Topology struct {
	clusters    []Cluster
	cpus        []int
	clusterOf   []int
	searchOrder [][]int
	minCapacity int
	maxCapacity int
}

func New(clusters []Cluster) (*Topology, error) {
	if len(clusters) == 0 {
		return nil, fmt.Errorf("topology needs at least one cluster")
	}

	sorted := make([]Cluster, len(clusters))
	copy(sorted, clusters)
	for i := range sorted {
		label := sorted[i].Name
		if label == "" {
			label = fmt.Sprintf("cluster at index %d", i)
		}
		if sorted[i].Capacity <= 0 {
			return nil, fmt.Errorf("%s: capacity must be positive", label)
		}
		if len(sorted[i].CPUs) == 0 {
			return nil, fmt.Errorf("%s: no CPUs", label)
		}
		cpus := append([]int(nil), sorted[i].CPUs...)
		sort.Ints(cpus)
		sorted[i].CPUs = cpus
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Capacity != sorted[j].Capacity {
			return sorted[i].Capacity < sorted[j].Capacity
		}
		return sorted[i].CPUs[0] < sorted[j].CPUs[0]
	})

	total := 0
	for i := range sorted {
		total += len(sorted[i].CPUs)
	}

	clusterOf := make([]int, total)
	for i := range clusterOf {
		clusterOf[i] = -1
	}
	for i := range sorted {
		sorted[i].ID = i
		if sorted[i].Name == "" {
			sorted[i].Name = fmt.Sprintf("cluster%d", i)
		}
		for _, cpu := range sorted[i].CPUs {
			if cpu < 0 || cpu >= total {
				return nil, fmt.Errorf("cpu ids must be dense 0..%d, got %d", total-1, cpu)
			}
			if prev := clusterOf[cpu]; prev != -1 {
				return nil, fmt.Errorf("cpu %d claimed by both %s and %s", cpu, sorted[prev].Name, sorted[i].Name)
			}
			clusterOf[cpu] = i
		}
	}

	all := make([]int, total)
	for i := range all {
		all[i] = i
	}

	// Per-cluster search order: the cluster itself, then higher-capacity
	// clusters nearest first, then lower-capacity clusters nearest first.
	order := make([][]int, len(sorted))
	for c := range sorted {
		row := make([]int, 0, len(sorted))
		row = append(row, c)
		for h := c + 1; h < len(sorted); h++ {
			row = append(row, h)
		}
		for l := c - 1; l >= 0; l-- {
			row = append(row, l)
		}
		order[c] = row
	}

	return &Topology{
		clusters:    sorted,
		cpus:        all,
		clusterOf:   clusterOf,
		searchOrder: order,
		minCapacity: sorted[0].Capacity,
		maxCapacity: sorted[len(sorted)-1].Capacity,
	}, nil
}

// FromConfig builds a topology from parsed cluster configuration.
func FromConfig(clusters []config.ClusterConfig) (*Topology, error) {
	cs := make([]Cluster, 0, len(clusters))
	for _, cc := range clusters {
		cs = append(cs, Cluster{Name: cc.Name, CPUs: cc.CPUList, Capacity: cc.Capacity})
	}
	return New(cs)
}

func (t *Topology) NumCPUs() int {
	return len(t.cpus)
}

func (t *Topology) NumClusters() int {
	return len(t.clusters)
}

// CPUs returns all CPU ids in ascending order.
func (t *Topology) CPUs() []int {
	return t.cpus
}

// Clusters returns the clusters ordered by ascending capacity.
func (t *Topology) Clusters() []Cluster {
	return t.clusters
}

func (t *Topology) Capacity(cpu int) int {
	return t.clusters[t.clusterOf[cpu]].Capacity
}

func (t *Topology) MaxCapacity() int {
	return t.maxCapacity
}

func (t *Topology) ClusterID(cpu int) int {
	return t.clusterOf[cpu]
}

func (t *Topology) ClusterOf(cpu int) Cluster {
	return t.clusters[t.clusterOf[cpu]]
}

func (t *Topology) SameCluster(a, b int) bool {
	return t.clusterOf[a] == t.clusterOf[b]
}

// IsMinCapacityCPU reports whether cpu sits in the weakest capacity tier.
func (t *Topology) IsMinCapacityCPU(cpu int) bool {
	return t.Capacity(cpu) == t.minCapacity
}

func (t *Topology) IsMaxCapacityCPU(cpu int) bool {
	return t.Capacity(cpu) == t.maxCapacity
}

// SearchOrder returns cluster ids in balance-scan order for a CPU of the
// given cluster: own cluster first, then higher-capacity clusters nearest
// first, then lower-capacity clusters nearest first.
func (t *Topology) SearchOrder(clusterID int) []int {
	return t.searchOrder[clusterID]
}

func (t *Topology) String() string {
	parts := make([]string, 0, len(t.clusters))
	for _, c := range t.clusters {
		parts = append(parts, fmt.Sprintf("%s[%s]@%d", c.Name, config.FormatCPUSpec(c.CPUs), c.Capacity))
	}
	return strings.Join(parts, " ")
}
