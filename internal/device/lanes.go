package device

import (
	"sync"

	"github.com/klauspost/cpuid/v2"
)

var (
	lanesOnce sync.Once
	hostLanes int
)

// DetectLanes returns the float32 SIMD width of the host: 16 with AVX-512F,
// 8 with AVX or AVX2, otherwise 4 (SSE2 and NEON baselines).
func DetectLanes() int {
	lanesOnce.Do(func() {
		switch {
		case cpuid.CPU.Supports(cpuid.AVX512F):
			hostLanes = 16
		case cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX):
			hostLanes = 8
		default:
			hostLanes = 4
		}
	})
	return hostLanes
}
