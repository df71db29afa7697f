package database

import (
	"context"
	"fmt"
	"time"

	"hmp-balance/internal/config"
	"hmp-balance/internal/datahandeling"
	"hmp-balance/internal/host"
	"hmp-balance/internal/logging"
	"hmp-balance/internal/topology"
	"hmp-balance/internal/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// RunMetadata contains all metadata about a balancer run
type RunMetadata struct {
	RunID              string `json:"run_id"`
	RunNumber          int    `json:"run_number"`
	RunName            string `json:"run_name"`
	Description        string `json:"description"`
	DurationSeconds    int64  `json:"duration_seconds"`
	RunStarted         string `json:"run_started"`  // RFC3339 timestamp
	RunFinished        string `json:"run_finished"` // RFC3339 timestamp
	TotalTasks         int    `json:"total_tasks"`
	TotalCPUs          int    `json:"total_cpus"`
	TotalClusters      int    `json:"total_clusters"`
	RotationMode       string `json:"rotation_mode"`
	TickMS             int    `json:"tick_ms"`
	TotalTicks         int    `json:"total_ticks"`
	TotalMigrations    int    `json:"total_migrations"`
	Hostname           string `json:"hostname"`
	OSInfo             string `json:"os_info"`
	KernelVersion      string `json:"kernel_version"`
	CPUVendor          string `json:"cpu_vendor"`
	CPUModel           string `json:"cpu_model"`
	HostCPUs           int    `json:"host_cpus"`
	WorkloadChecksum   string `json:"workload_checksum"`
	TotalSamples       int    `json:"total_samples"`
	TotalDataSizeBytes int64  `json:"total_data_size_bytes"`
	ConfigFile         string `json:"config_file"`
}

// Client persists run results. InfluxDB is the production implementation;
// tests substitute in-memory fakes.
type Client interface {
	GetLastRunNumber() (int, error)
	WriteTrace(metadata *RunMetadata, metrics *datahandeling.RunMetrics) error
	WriteMigrations(metadata *RunMetadata, migrations []trace.Migration) error
	WriteMetadata(metadata *RunMetadata) error
	Close()
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

var _ Client = (*InfluxDBClient)(nil)

func NewInfluxDBClient(config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}

	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPIBlocking(config.Org, config.Name)
	queryAPI := client.QueryAPI(config.Org)

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   config.Name,
		org:      config.Org,
	}, nil
}

// GetLastRunNumber returns the highest run number written so far, so runs
// get human-friendly sequential numbers alongside their UUID.
func (idb *InfluxDBClient) GetLastRunNumber() (int, error) {
	ctx := context.Background()

	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -90d)
		|> filter(fn: (r) => r._measurement == "balance_metrics")
		|> distinct(column: "run_number")
		|> map(fn: (r) => ({_value: int(v: r.run_number)}))
		|> max()
		|> yield(name: "max_run_number")
	`, idb.bucket)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run number: %w", err)
	}
	defer result.Close()

	maxNumber := 0
	for result.Next() {
		if result.Record().Value() != nil {
			if n, ok := result.Record().Value().(int64); ok {
				maxNumber = int(n)
			}
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}

	return maxNumber, nil
}

// WriteTrace exports the per-CPU tick series as balance_metrics points.
func (idb *InfluxDBClient) WriteTrace(metadata *RunMetadata, metrics *datahandeling.RunMetrics) error {
	ctx := context.Background()

	var points []*write.Point
	for _, cm := range metrics.CPUMetrics {
		for _, step := range cm.Steps {
			point := influxdb2.NewPoint("balance_metrics",
				map[string]string{
					"run_id":     metadata.RunID,
					"run_number": fmt.Sprintf("%d", metadata.RunNumber),
					"cpu":        fmt.Sprintf("%d", cm.CPU),
					"cluster":    cm.Cluster,
					"capacity":   fmt.Sprintf("%d", cm.Capacity),
				},
				map[string]interface{}{
					"step_number":  step.StepNumber,
					"util":         step.Util,
					"nr_running":   step.NrRunning,
					"nr_cfs":       step.NrCFS,
					"nr_big_tasks": step.NrBigTasks,
					"misfit_load":  step.MisfitLoad,
					"overutilized": step.Overutilized,
					"curr":         step.Curr,
					"curr_class":   step.CurrClass,
				},
				step.Timestamp)
			points = append(points, point)
		}
	}

	if len(points) > 0 {
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write trace points: %w", err)
		}
	}

	return nil
}

// WriteMigrations exports one migration point per task movement.
func (idb *InfluxDBClient) WriteMigrations(metadata *RunMetadata, migrations []trace.Migration) error {
	ctx := context.Background()

	var points []*write.Point
	for _, m := range migrations {
		point := influxdb2.NewPoint("migration",
			map[string]string{
				"run_id":     metadata.RunID,
				"run_number": fmt.Sprintf("%d", metadata.RunNumber),
				"kind":       m.Kind,
				"src_cpu":    fmt.Sprintf("%d", m.SrcCPU),
				"dst_cpu":    fmt.Sprintf("%d", m.DstCPU),
			},
			map[string]interface{}{
				"task":    m.Task,
				"task_id": m.TaskID,
				"t":       m.T,
				"wait_ns": m.WaitNS,
			},
			m.At)
		points = append(points, point)
	}

	if len(points) > 0 {
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write migration points: %w", err)
		}
	}

	return nil
}

func (idb *InfluxDBClient) WriteMetadata(metadata *RunMetadata) error {
	ctx := context.Background()

	point := influxdb2.NewPoint("run_meta",
		map[string]string{
			"run_id":     metadata.RunID,
			"run_number": fmt.Sprintf("%d", metadata.RunNumber),
		},
		map[string]interface{}{
			"run_name":              metadata.RunName,
			"description":           metadata.Description,
			"duration_seconds":      metadata.DurationSeconds,
			"run_started":           metadata.RunStarted,
			"run_finished":          metadata.RunFinished,
			"total_tasks":           metadata.TotalTasks,
			"total_cpus":            metadata.TotalCPUs,
			"total_clusters":        metadata.TotalClusters,
			"rotation_mode":         metadata.RotationMode,
			"tick_ms":               metadata.TickMS,
			"total_ticks":           metadata.TotalTicks,
			"total_migrations":      metadata.TotalMigrations,
			"hostname":              metadata.Hostname,
			"os_info":               metadata.OSInfo,
			"kernel_version":        metadata.KernelVersion,
			"cpu_vendor":            metadata.CPUVendor,
			"cpu_model":             metadata.CPUModel,
			"host_cpus":             metadata.HostCPUs,
			"workload_checksum":     metadata.WorkloadChecksum,
			"total_samples":         metadata.TotalSamples,
			"total_data_size_bytes": metadata.TotalDataSizeBytes,
			"config_file":           metadata.ConfigFile,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// CollectRunMetadata gathers everything worth keeping about a finished run.
func CollectRunMetadata(runID string, runNumber int, cfg *config.SimulationConfig, configContent string, topo *topology.Topology, tr *trace.Trace, startTime, endTime time.Time) (*RunMetadata, error) {
	sysInfo, err := host.GetSystemInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to collect system info: %w", err)
	}

	totalSamples := 0
	totalTicks := 0
	for _, cpuTrace := range tr.AllCPUs() {
		samples := cpuTrace.AllSamples()
		totalSamples += len(samples)
		if len(samples) > totalTicks {
			totalTicks = len(samples)
		}
	}
	migrations := tr.MigrationCount()

	// Rough size estimate: nine numeric fields per sample, six per
	// migration, 16 bytes each.
	estimatedDataSize := int64(totalSamples*9+migrations*6) * 16

	checksum := ""
	if cs, err := config.WorkloadChecksum(cfg); err == nil {
		checksum = cs
	}

	metadata := &RunMetadata{
		RunID:              runID,
		RunNumber:          runNumber,
		RunName:            cfg.Simulation.Name,
		Description:        cfg.Simulation.Description,
		DurationSeconds:    int64(endTime.Sub(startTime).Seconds()),
		RunStarted:         startTime.Format(time.RFC3339),
		RunFinished:        endTime.Format(time.RFC3339),
		TotalTasks:         len(cfg.Tasks),
		TotalCPUs:          topo.NumCPUs(),
		TotalClusters:      topo.NumClusters(),
		RotationMode:       cfg.Simulation.Balancer.Rotation,
		TickMS:             int(cfg.GetTickInterval() / time.Millisecond),
		TotalTicks:         totalTicks,
		TotalMigrations:    migrations,
		Hostname:           sysInfo.Hostname,
		OSInfo:             sysInfo.OSInfo,
		KernelVersion:      sysInfo.KernelVersion,
		CPUVendor:          sysInfo.CPUVendor,
		CPUModel:           sysInfo.CPUModel,
		HostCPUs:           sysInfo.TotalCPUs,
		WorkloadChecksum:   checksum,
		TotalSamples:       totalSamples,
		TotalDataSizeBytes: estimatedDataSize,
		ConfigFile:         configContent,
	}

	return metadata, nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
