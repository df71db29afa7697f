package runqueue

import (
	"math/bits"

	"hmp-balance/internal/config"
)

// Mask is a CPU affinity bitmask. The engine supports up to 64 CPUs.
type Mask uint64

func MaskOf(cpus ...int) Mask {
	var m Mask
	for _, cpu := range cpus {
		m |= 1 << uint(cpu)
	}
	return m
}

// FullMask returns a mask covering CPUs 0..n-1.
func FullMask(n int) Mask {
	if n >= 64 {
		return ^Mask(0)
	}
	return Mask(1)<<uint(n) - 1
}

func (m Mask) Has(cpu int) bool {
	return m&(1<<uint(cpu)) != 0
}

func (m Mask) Count() int {
	return bits.OnesCount64(uint64(m))
}

func (m Mask) CPUs() []int {
	cpus := make([]int, 0, m.Count())
	for v := uint64(m); v != 0; v &= v - 1 {
		cpus = append(cpus, bits.TrailingZeros64(v))
	}
	return cpus
}

func (m Mask) String() string {
	return config.FormatCPUSpec(m.CPUs())
}
