package config

import (
	"time"
)

type SimulationConfig struct {
	Simulation SimulationInfo         `yaml:"simulation"`
	Clusters   []ClusterConfig        `yaml:"clusters"`
	Tasks      map[string]*TaskConfig `yaml:"tasks"`
}

type SimulationInfo struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	MaxT        int            `yaml:"max_t"`
	TickMS      int            `yaml:"tick_ms"`
	LogLevel    string         `yaml:"log_level"`
	Balancer    BalancerConfig `yaml:"balancer"`
	Data        DataConfig     `yaml:"data"`
}

// BalancerConfig carries the tunables of the load balancer itself.
// Policy selects the decision path: "capacity" (default) or "generic",
// the capacity-blind baseline. Rotation is "on", "off" or "auto"; auto
// engages rotation while every CPU in the system is overutilized and
// disengages it again afterwards.
type BalancerConfig struct {
	Policy      string `yaml:"policy"`
	Rotation    string `yaml:"rotation"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type DataConfig struct {
	DB DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

// ClusterConfig describes one capacity cluster. CPUs is a cpuset spec
// string ("0-3", "0,2,4"); CPUList is filled in by the parser.
type ClusterConfig struct {
	Name     string `yaml:"name"`
	CPUs     string `yaml:"cpus"`
	Capacity int    `yaml:"capacity"`

	CPUList []int `yaml:"-"`
}

type TaskConfig struct {
	// KeyName is the YAML key of the task entry, set by the parser.
	KeyName string `yaml:"-"`

	Demand int    `yaml:"demand"`
	Class  string `yaml:"class"`
	Boost  string `yaml:"boost"`
	CPUs   string `yaml:"cpus"`
	StartT *int   `yaml:"start_t"`
	StopT  *int   `yaml:"stop_t"`
	IOWait bool   `yaml:"iowait"`

	CPUList []int `yaml:"-"`
}

const DefaultTickMS = 4

func (c *SimulationConfig) GetMaxDuration() time.Duration {
	return time.Duration(c.Simulation.MaxT) * time.Second
}

func (c *SimulationConfig) GetTickInterval() time.Duration {
	tick := c.Simulation.TickMS
	if tick <= 0 {
		tick = DefaultTickMS
	}
	return time.Duration(tick) * time.Millisecond
}

// HasDatabase reports whether an InfluxDB sink is configured at all; runs
// without one only write the local spool artifact.
func (c *SimulationConfig) HasDatabase() bool {
	return c.Simulation.Data.DB.Host != ""
}

func (c *SimulationConfig) GetTasksSorted() []*TaskConfig {
	tasks := make([]*TaskConfig, 0, len(c.Tasks))
	for _, task := range c.Tasks {
		tasks = append(tasks, task)
	}
	for i := 0; i < len(tasks)-1; i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasksLess(tasks[j], tasks[i]) {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}
	return tasks
}

func tasksLess(a, b *TaskConfig) bool {
	if a.GetStartSeconds() != b.GetStartSeconds() {
		return a.GetStartSeconds() < b.GetStartSeconds()
	}
	return a.KeyName < b.KeyName
}

func (t *TaskConfig) GetStartSeconds() int {
	if t.StartT == nil {
		return 0
	}
	return *t.StartT
}

func (t *TaskConfig) GetStopSeconds(maxT int) int {
	if t.StopT == nil {
		return maxT
	}
	return *t.StopT
}
