package config

import "testing"

func checksumFixture() *SimulationConfig {
	st0, sp0 := 0, 10
	st1, sp1 := 5, 20
	return &SimulationConfig{
		Simulation: SimulationInfo{Name: "t", MaxT: 60},
		Clusters: []ClusterConfig{
			{Name: "little", Capacity: 420, CPUList: []int{0, 1, 2, 3}},
			{Name: "big", Capacity: 1024, CPUList: []int{4, 5}},
		},
		Tasks: map[string]*TaskConfig{
			"b": {KeyName: "b", Demand: 700, Class: "fair", StartT: &st1, StopT: &sp1},
			"a": {KeyName: "a", Demand: 80, Class: "fair", CPUList: []int{0, 1}, StartT: &st0, StopT: &sp0},
		},
	}
}

func TestWorkloadChecksum_DeterministicAcrossMapOrder(t *testing.T) {
	cfg1 := checksumFixture()

	cfg2 := checksumFixture()
	// Same tasks but inserted in opposite order.
	cfg2.Tasks = map[string]*TaskConfig{
		"a": cfg1.Tasks["a"],
		"b": cfg1.Tasks["b"],
	}

	s1, err := WorkloadChecksum(cfg1)
	if err != nil {
		t.Fatalf("WorkloadChecksum(cfg1): %v", err)
	}
	s2, err := WorkloadChecksum(cfg2)
	if err != nil {
		t.Fatalf("WorkloadChecksum(cfg2): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected same checksum, got %q vs %q", s1, s2)
	}
	if len(s1) != 6 {
		t.Fatalf("expected 6-char checksum, got %q (len=%d)", s1, len(s1))
	}
}

func TestWorkloadChecksum_ChangesWhenScheduleChanges(t *testing.T) {
	cfg := checksumFixture()
	s1, err := WorkloadChecksum(cfg)
	if err != nil {
		t.Fatalf("WorkloadChecksum: %v", err)
	}

	cfg.Tasks["b"].Demand = 701

	s2, err := WorkloadChecksum(cfg)
	if err != nil {
		t.Fatalf("WorkloadChecksum after change: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("expected checksum to change, got %q", s1)
	}
}

func TestWorkloadChecksum_IgnoresBalancerTunables(t *testing.T) {
	cfg := checksumFixture()
	s1, err := WorkloadChecksum(cfg)
	if err != nil {
		t.Fatalf("WorkloadChecksum: %v", err)
	}

	// Tunables alter balancer behavior but not the workload itself.
	cfg.Simulation.Balancer.Rotation = "on"
	cfg.Simulation.TickMS = 8

	s2, err := WorkloadChecksum(cfg)
	if err != nil {
		t.Fatalf("WorkloadChecksum after tunable change: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected checksum unchanged, got %q vs %q", s1, s2)
	}
}
