package checkpoints

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
)

// NewRunID returns a fresh identifier shared by every checkpoint and metric
// row of one training run.
func NewRunID() string {
	return uuid.New().String()
}

// HostDescription summarises the machine a checkpoint was produced on.
func HostDescription() string {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	desc := fmt.Sprintf("%s %s, %d cores / %d threads", runtime.GOOS, name, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if cpuid.CPU.Supports(cpuid.AVX2) {
		desc += ", avx2"
	}
	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		desc += ", avx512"
	}
	return desc
}
