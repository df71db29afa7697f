package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

type workloadChecksumEntry struct {
	Key    string `json:"key"`
	Demand int    `json:"demand"`
	Class  string `json:"class"`
	Boost  string `json:"boost,omitempty"`
	CPUs   string `json:"cpus,omitempty"`
	StartS int    `json:"start_s"`
	StopS  int    `json:"stop_s"`
}

type workloadChecksumPayload struct {
	Clusters []string                `json:"clusters"`
	Tasks    []workloadChecksumEntry `json:"tasks"`
}

// WorkloadChecksum returns a short, stable checksum identifying the effective
// workload (topology plus the concrete task schedule), independent of
// balancer tunables.
//
// It computes MD5 over a canonical JSON representation and returns the first
// 6 hex characters (equivalent to `md5sum | cut -c1-6`).
func WorkloadChecksum(cfg *SimulationConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	clusters := make([]string, 0, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		clusters = append(clusters, c.Name+"/"+FormatCPUSpec(c.CPUList)+"/"+strconv.Itoa(c.Capacity))
	}
	sort.Strings(clusters)

	entries := make([]workloadChecksumEntry, 0, len(cfg.Tasks))
	for key, t := range cfg.Tasks {
		entries = append(entries, workloadChecksumEntry{
			Key:    key,
			Demand: t.Demand,
			Class:  t.Class,
			Boost:  t.Boost,
			CPUs:   FormatCPUSpec(t.CPUList),
			StartS: t.GetStartSeconds(),
			StopS:  t.GetStopSeconds(cfg.Simulation.MaxT),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	payload := workloadChecksumPayload{Clusters: clusters, Tasks: entries}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
