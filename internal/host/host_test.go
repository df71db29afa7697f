package host

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"hmp-balance/internal/topology"
)

func setSysfsRoot(t *testing.T, dir string) {
	t.Helper()
	old := sysfsCPURoot
	sysfsCPURoot = dir
	t.Cleanup(func() { sysfsCPURoot = old })
}

func writeCPUFile(t *testing.T, root string, cpu int, rel, value string) {
	t.Helper()
	path := filepath.Join(root, fmt.Sprintf("cpu%d", cpu), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadCapacitiesFromCPUCapacity(t *testing.T) {
	root := t.TempDir()
	setSysfsRoot(t, root)
	for cpu, capacity := range []string{"260", "260", "1024", "1024"} {
		writeCPUFile(t, root, cpu, "cpu_capacity", capacity)
	}

	capacities, source := readCapacities(4)
	if source != "cpu_capacity" {
		t.Fatalf("source = %q, want cpu_capacity", source)
	}
	want := []int{260, 260, 1024, 1024}
	for i, c := range capacities {
		if c != want[i] {
			t.Fatalf("cpu%d capacity = %d, want %d", i, c, want[i])
		}
	}
}

func TestReadCapacitiesFromMaxFreq(t *testing.T) {
	root := t.TempDir()
	setSysfsRoot(t, root)
	freqs := []string{"1800000", "1800000", "2400000", "2400000"}
	for cpu, freq := range freqs {
		writeCPUFile(t, root, cpu, filepath.Join("cpufreq", "cpuinfo_max_freq"), freq)
	}

	capacities, source := readCapacities(4)
	if source != "max_freq" {
		t.Fatalf("source = %q, want max_freq", source)
	}
	want := []int{768, 768, 1024, 1024}
	for i, c := range capacities {
		if c != want[i] {
			t.Fatalf("cpu%d capacity = %d, want %d", i, c, want[i])
		}
	}
}

func TestReadCapacitiesPartialCoverageFallsBack(t *testing.T) {
	root := t.TempDir()
	setSysfsRoot(t, root)
	// Only one of four CPUs has a capacity file, so neither sysfs source
	// covers the machine and the uniform default applies.
	writeCPUFile(t, root, 0, "cpu_capacity", "260")

	capacities, source := readCapacities(4)
	if source != "uniform" {
		t.Fatalf("source = %q, want uniform", source)
	}
	for i, c := range capacities {
		if c != 1024 {
			t.Fatalf("cpu%d capacity = %d, want 1024", i, c)
		}
	}
}

func TestGroupByCapacity(t *testing.T) {
	clusters := groupByCapacity([]int{260, 1024, 260, 1024})
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Capacity != 260 || clusters[1].Capacity != 1024 {
		t.Fatalf("clusters not ordered by capacity: %+v", clusters)
	}
	if len(clusters[0].CPUs) != 2 || clusters[0].CPUs[0] != 0 || clusters[0].CPUs[1] != 2 {
		t.Fatalf("little cluster cpus wrong: %v", clusters[0].CPUs)
	}
	if len(clusters[1].CPUs) != 2 || clusters[1].CPUs[0] != 1 || clusters[1].CPUs[1] != 3 {
		t.Fatalf("big cluster cpus wrong: %v", clusters[1].CPUs)
	}
}

func TestGroupedTopologyIsValid(t *testing.T) {
	root := t.TempDir()
	setSysfsRoot(t, root)
	for cpu, capacity := range []string{"260", "1024", "260", "1024"} {
		writeCPUFile(t, root, cpu, "cpu_capacity", capacity)
	}

	capacities, _ := readCapacities(4)
	topo, err := topology.New(groupByCapacity(capacities))
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	if topo.NumCPUs() != 4 || topo.NumClusters() != 2 {
		t.Fatalf("topology shape wrong: %d cpus, %d clusters", topo.NumCPUs(), topo.NumClusters())
	}
	if !topo.IsMinCapacityCPU(2) || topo.IsMinCapacityCPU(3) {
		t.Fatalf("capacity classes misassigned")
	}
}
