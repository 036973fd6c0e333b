package hardware

import (
	"os/exec"
	"runtime"
)

// LookPathFunc resolves an executable on PATH.
type LookPathFunc func(file string) (string, error)

// DiagnoseCPUFallback returns hints explaining why no accelerator was found.
// It returns nil when devices contain an accelerator.
func DiagnoseCPUFallback(devices []ComputeDevice, lookPath LookPathFunc, goos string) []string {
	if len(Accelerators(devices)) > 0 {
		return nil
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if goos == "" {
		goos = runtime.GOOS
	}

	var hints []string
	if goos != "darwin" {
		if _, err := lookPath("nvidia-smi"); err != nil {
			hints = append(hints, "NVIDIA: nvidia-smi not in PATH - NVIDIA drivers may not be installed")
		} else {
			hints = append(hints, "NVIDIA: nvidia-smi present but reported no usable GPU - check the driver with 'nvidia-smi'")
		}
	}
	if goos == "linux" {
		if _, err := lookPath("rocm-smi"); err != nil {
			hints = append(hints, "AMD: ROCm not installed - run 'amdgpu-install --usecase=rocm' to enable AMD GPU support")
		}
		if _, err := lookPath("vulkaninfo"); err != nil {
			hints = append(hints, "Vulkan: vulkaninfo not found - the Vulkan loader may be missing")
		}
	}
	if goos == "darwin" && runtime.GOARCH != "arm64" {
		hints = append(hints, "Apple: Metal acceleration requires Apple silicon")
	}
	if len(hints) == 0 {
		hints = append(hints, "No GPU detected - ensure GPU drivers are properly installed")
	}
	return hints
}
