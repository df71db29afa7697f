package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hmp-balance/internal/config"
	"hmp-balance/internal/datahandeling"
	"hmp-balance/internal/trace"
)

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID            string `json:"run_id"`
	RunNumber        int    `json:"run_number"`
	RunName          string `json:"run_name"`
	WorkloadChecksum string `json:"workload_checksum"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ConfigContent string `json:"config_content"`

	Metrics    *datahandeling.RunMetrics `json:"metrics"`
	Metadata   *RunMetadata              `json:"metadata"`
	Migrations []trace.Migration         `json:"migrations,omitempty"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("HMP_BALANCE_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.WorkloadChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"run_%d_%s_%s.json.gz",
		artifact.RunNumber,
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// BuildSpoolArtifact constructs a spool artifact from the in-memory run results.
func BuildSpoolArtifact(
	runID string,
	runNumber int,
	cfg *config.SimulationConfig,
	configContent string,
	metrics *datahandeling.RunMetrics,
	metadata *RunMetadata,
	migrations []trace.Migration,
	startTime, endTime time.Time,
) *SpoolArtifact {
	name := ""
	checksum := ""
	if cfg != nil {
		name = cfg.Simulation.Name
		if cs, err := config.WorkloadChecksum(cfg); err == nil {
			checksum = cs
		}
	}
	if metadata != nil {
		if checksum == "" {
			checksum = metadata.WorkloadChecksum
		}
		if name == "" {
			name = metadata.RunName
		}
	}

	return &SpoolArtifact{
		Version:          1,
		CreatedAt:        time.Now(),
		RunID:            runID,
		RunNumber:        runNumber,
		RunName:          name,
		WorkloadChecksum: checksum,
		StartTime:        startTime,
		EndTime:          endTime,
		ConfigContent:    configContent,
		Metrics:          metrics,
		Metadata:         metadata,
		Migrations:       migrations,
	}
}
