package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"hmp-balance/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*SimulationConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*SimulationConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	var config SimulationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	// Parse cluster cpusets.
	for i := range config.Clusters {
		cluster := &config.Clusters[i]
		cpus, err := ParseCPUSpec(cluster.CPUs)
		if err != nil {
			return nil, "", fmt.Errorf("cluster %s: invalid CPU specification %q: %w", cluster.Name, cluster.CPUs, err)
		}
		cluster.CPUList = cpus
	}

	// Set KeyName for each task based on the YAML key and parse its
	// allowed cpuset (empty means "all CPUs").
	for keyName, task := range config.Tasks {
		task.KeyName = keyName
		if task.CPUs != "" {
			cpus, err := ParseCPUSpec(task.CPUs)
			if err != nil {
				logger.WithField("task", keyName).WithField("cpu_spec", task.CPUs).WithError(err).Error("Failed to parse CPU specification")
				return nil, "", fmt.Errorf("task %s: invalid CPU specification %q: %w", keyName, task.CPUs, err)
			}
			task.CPUList = cpus
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return &config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUSpec parses CPU specification strings like "0", "0,2,4", or "0-3".
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	return cpus, nil
}

// FormatCPUSpec renders a CPU list as a canonical cpuset string,
// collapsing consecutive IDs into ranges.
func FormatCPUSpec(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var parts []string
	start := sorted[0]
	prev := sorted[0]
	flush := func(end int) {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else if end == start+1 {
			parts = append(parts, strconv.Itoa(start), strconv.Itoa(end))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush(prev)
		start = cpu
		prev = cpu
	}
	flush(prev)
	return strings.Join(parts, ",")
}

const maxScaledCapacity = 1024

func validateConfig(config *SimulationConfig) error {
	if config.Simulation.Name == "" {
		return fmt.Errorf("simulation name is required")
	}

	if config.Simulation.MaxT <= 0 {
		return fmt.Errorf("max_t must be greater than 0")
	}

	if config.Simulation.TickMS < 0 {
		return fmt.Errorf("tick_ms must not be negative")
	}

	switch config.Simulation.Balancer.Policy {
	case "", "capacity", "generic":
	default:
		return fmt.Errorf("balancer policy must be capacity or generic, got %q", config.Simulation.Balancer.Policy)
	}

	switch config.Simulation.Balancer.Rotation {
	case "", "on", "off", "auto":
	default:
		return fmt.Errorf("balancer rotation must be on, off or auto, got %q", config.Simulation.Balancer.Rotation)
	}

	// Clusters may be omitted entirely; the host topology is detected at
	// run time in that case and task pinning is checked against it then.
	// When clusters are given they must partition a dense CPU ID space
	// 0..n-1 so that run queues can live in a flat per-CPU array.
	owner := make(map[int]string)
	if len(config.Clusters) > 0 {
		total := 0
		for _, cluster := range config.Clusters {
			if cluster.Name == "" {
				return fmt.Errorf("cluster name is required")
			}
			if cluster.Capacity <= 0 || cluster.Capacity > maxScaledCapacity {
				return fmt.Errorf("cluster %s: capacity must be in 1..%d", cluster.Name, maxScaledCapacity)
			}
			for _, cpu := range cluster.CPUList {
				if cpu < 0 {
					return fmt.Errorf("cluster %s: negative CPU id %d", cluster.Name, cpu)
				}
				if prev, ok := owner[cpu]; ok {
					return fmt.Errorf("cpu %d claimed by both cluster %s and cluster %s", cpu, prev, cluster.Name)
				}
				owner[cpu] = cluster.Name
				total++
			}
		}
		for cpu := 0; cpu < total; cpu++ {
			if _, ok := owner[cpu]; !ok {
				return fmt.Errorf("cpu ids must be dense 0..%d, missing cpu %d", total-1, cpu)
			}
		}
	}

	if len(config.Tasks) == 0 {
		return fmt.Errorf("at least one task must be defined")
	}

	for name, task := range config.Tasks {
		if task.Demand <= 0 || task.Demand > maxScaledCapacity {
			return fmt.Errorf("task %s: demand must be in 1..%d", name, maxScaledCapacity)
		}
		switch task.Class {
		case "", "fair", "realtime", "deadline":
		default:
			return fmt.Errorf("task %s: unknown class %q", name, task.Class)
		}
		switch task.Boost {
		case "", "none", "mid", "max", "strict-max":
		default:
			return fmt.Errorf("task %s: unknown boost %q", name, task.Boost)
		}
		if len(config.Clusters) > 0 {
			for _, cpu := range task.CPUList {
				if _, ok := owner[cpu]; !ok {
					return fmt.Errorf("task %s: cpu %d is not part of any cluster", name, cpu)
				}
			}
		}
		start := task.GetStartSeconds()
		stop := task.GetStopSeconds(config.Simulation.MaxT)
		if start < 0 {
			return fmt.Errorf("task %s: start_t must not be negative", name)
		}
		if stop <= start {
			return fmt.Errorf("task %s: stop_t (%d) must be after start_t (%d)", name, stop, start)
		}
	}

	return nil
}
