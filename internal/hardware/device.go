// Package hardware enumerates the compute devices subgen can run inference on.
package hardware

import (
	"fmt"
	"runtime"
)

// Family is the class of a compute device.
type Family string

const (
	FamilyDiscreteGPU   Family = "discrete-gpu"
	FamilyIntegratedGPU Family = "integrated-gpu"
	FamilyNeural        Family = "neural-accelerator"
	FamilyCPU           Family = "cpu"
)

// Rank orders families for backend selection: discrete GPUs first, CPU last.
func (f Family) Rank() int {
	switch f {
	case FamilyDiscreteGPU:
		return 0
	case FamilyNeural:
		return 1
	case FamilyIntegratedGPU:
		return 2
	default:
		return 3
	}
}

// Vendor identifies the hardware manufacturer.
type Vendor string

const (
	VendorNVIDIA  Vendor = "nvidia"
	VendorAMD     Vendor = "amd"
	VendorIntel   Vendor = "intel"
	VendorApple   Vendor = "apple"
	VendorGeneric Vendor = "generic"
)

// Runtime is an accelerated runtime family a device may be compatible with.
type Runtime string

const (
	RuntimeCUDA     Runtime = "cuda"
	RuntimeROCm     Runtime = "rocm"
	RuntimeVulkan   Runtime = "vulkan"
	RuntimeOpenVINO Runtime = "openvino"
	RuntimeMetal    Runtime = "metal"
	RuntimeCoreML   Runtime = "coreml"
	RuntimeCPU      Runtime = "cpu"
)

// ComputeDevice describes one detected device. Values are rebuilt on every
// detection pass and must not be modified after detection.
type ComputeDevice struct {
	ID            string           `json:"id"`
	Family        Family           `json:"family"`
	Vendor        Vendor           `json:"vendor"`
	Name          string           `json:"name"`
	Index         int              `json:"index"`
	MemoryBytes   uint64           `json:"memoryBytes"`
	SharedMemory  bool             `json:"sharedMemory"`
	DriverVersion string           `json:"driverVersion,omitempty"`
	Capabilities  map[Runtime]bool `json:"capabilities"`
	// Priority is the position in which the platform reported the device.
	// Lower is preferred; equal values mean the platform gave no order.
	Priority int `json:"priority"`
	// Default marks the device chosen among same-vendor devices of one family.
	Default bool `json:"default"`
	// Features lists instruction set extensions for CPU devices.
	Features []string `json:"features,omitempty"`
	Threads  int      `json:"threads,omitempty"`
}

// Supports reports whether the device is compatible with runtime r.
func (d ComputeDevice) Supports(r Runtime) bool {
	return d.Capabilities[r]
}

// IsCPU reports whether d is the host CPU.
func (d ComputeDevice) IsCPU() bool {
	return d.Family == FamilyCPU
}

func (d ComputeDevice) String() string {
	return fmt.Sprintf("%s %s #%d (%s)", d.Vendor, d.Family, d.Index, d.Name)
}

// FallbackCPU is the CPU device used when CPU probing itself failed. It
// carries no memory figure, so memory checks against it are skipped.
func FallbackCPU() ComputeDevice {
	return ComputeDevice{
		ID:           "cpu:0",
		Family:       FamilyCPU,
		Vendor:       VendorGeneric,
		Name:         runtime.GOARCH + " cpu",
		SharedMemory: true,
		Capabilities: map[Runtime]bool{RuntimeCPU: true},
		Default:      true,
		Threads:      runtime.NumCPU(),
	}
}

// CPU returns the CPU entry in devices, or FallbackCPU when none was detected.
func CPU(devices []ComputeDevice) ComputeDevice {
	for _, d := range devices {
		if d.IsCPU() {
			return d
		}
	}
	return FallbackCPU()
}

// Accelerators returns the non-CPU devices in devices.
func Accelerators(devices []ComputeDevice) []ComputeDevice {
	out := make([]ComputeDevice, 0, len(devices))
	for _, d := range devices {
		if !d.IsCPU() {
			out = append(out, d)
		}
	}
	return out
}
