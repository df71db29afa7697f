package host

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/cpu"
	gopshost "github.com/shirou/gopsutil/host"
	"github.com/sirupsen/logrus"

	"hmp-balance/internal/logging"
	"hmp-balance/internal/topology"
)

// SystemInfo contains host system information
// This is initialized once at startup and used throughout the application
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUVendor     string
	CPUModel      string
	TotalCPUs     int
	PhysicalCores int
}

var (
	globalSystemInfo *SystemInfo
	systemInfoOnce   sync.Once
)

// GetSystemInfo returns the global host information, collecting it on the
// first call.
func GetSystemInfo() (*SystemInfo, error) {
	var err error
	systemInfoOnce.Do(func() {
		globalSystemInfo, err = collectSystemInfo()
	})
	return globalSystemInfo, err
}

func collectSystemInfo() (*SystemInfo, error) {
	info := &SystemInfo{
		OSInfo: runtime.GOOS + "/" + runtime.GOARCH,
	}

	if hi, err := gopshost.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.KernelVersion = hi.KernelVersion
	}
	if info.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		info.Hostname = hostname
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		info.CPUVendor = infos[0].VendorID
		info.CPUModel = infos[0].ModelName
	}
	if info.CPUVendor == "" {
		info.CPUVendor = "unknown"
	}
	if info.CPUModel == "" {
		info.CPUModel = "unknown"
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.TotalCPUs = n
	} else {
		info.TotalCPUs = runtime.NumCPU()
	}
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		info.PhysicalCores = n
	} else {
		info.PhysicalCores = info.TotalCPUs
	}

	return info, nil
}

// sysfsCPURoot is where per-CPU capacity and frequency files live.
// Tests point it at a fixture directory.
var sysfsCPURoot = "/sys/devices/system/cpu"

// DetectTopology builds a capacity topology for the machine this process
// runs on. arm64 kernels expose relative capacity directly through
// cpu_capacity; elsewhere the maximum frequency is scaled into the 1024
// range. CPUs with equal capacity form one cluster, so a symmetric
// machine comes out as a single full-capacity cluster.
func DetectTopology() (*topology.Topology, error) {
	logger := logging.GetLogger()

	numCPUs, err := cpu.Counts(true)
	if err != nil || numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}
	if numCPUs <= 0 {
		return nil, fmt.Errorf("no cpus detected")
	}

	capacities, source := readCapacities(numCPUs)
	clusters := groupByCapacity(capacities)

	logger.WithFields(logrus.Fields{
		"cpus":     numCPUs,
		"clusters": len(clusters),
		"source":   source,
	}).Info("Detected host topology")

	return topology.New(clusters)
}

// readCapacities returns one capacity per CPU and the source it came from
// ("cpu_capacity", "max_freq" or "uniform"). Partial sysfs coverage falls
// through to the next source so every CPU gets a comparable number.
func readCapacities(numCPUs int) ([]int, string) {
	capacities := make([]int, numCPUs)

	found := 0
	for i := 0; i < numCPUs; i++ {
		if v, ok := readSysfsInt(filepath.Join(sysfsCPURoot, fmt.Sprintf("cpu%d", i), "cpu_capacity")); ok {
			capacities[i] = v
			found++
		}
	}
	if found == numCPUs {
		return capacities, "cpu_capacity"
	}

	freqs := make([]int, numCPUs)
	found = 0
	maxFreq := 0
	for i := 0; i < numCPUs; i++ {
		if v, ok := readSysfsInt(filepath.Join(sysfsCPURoot, fmt.Sprintf("cpu%d", i), "cpufreq", "cpuinfo_max_freq")); ok {
			freqs[i] = v
			found++
			if v > maxFreq {
				maxFreq = v
			}
		}
	}
	if found == numCPUs && maxFreq > 0 {
		for i, f := range freqs {
			capacities[i] = f * 1024 / maxFreq
			if capacities[i] <= 0 {
				capacities[i] = 1
			}
		}
		return capacities, "max_freq"
	}

	for i := range capacities {
		capacities[i] = 1024
	}
	return capacities, "uniform"
}

func groupByCapacity(capacities []int) []topology.Cluster {
	byCapacity := make(map[int][]int)
	for cpu, c := range capacities {
		byCapacity[c] = append(byCapacity[c], cpu)
	}

	levels := make([]int, 0, len(byCapacity))
	for c := range byCapacity {
		levels = append(levels, c)
	}
	sort.Ints(levels)

	clusters := make([]topology.Cluster, 0, len(levels))
	for i, c := range levels {
		clusters = append(clusters, topology.Cluster{
			Name:     fmt.Sprintf("cluster%d", i),
			CPUs:     byCapacity[c],
			Capacity: c,
		})
	}
	return clusters
}

func readSysfsInt(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
