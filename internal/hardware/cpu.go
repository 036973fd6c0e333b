package hardware

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	xcpu "golang.org/x/sys/cpu"
)

// CPUProber describes the host CPU. The CPU is always reported; only a
// failing system query makes the probe fail.
type CPUProber struct {
	Info     func(ctx context.Context) ([]cpu.InfoStat, error)
	Memory   func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Features func() []string
}

// NewCPUProber returns a prober backed by gopsutil and x/sys/cpu.
func NewCPUProber() *CPUProber {
	return &CPUProber{
		Info:     cpu.InfoWithContext,
		Memory:   mem.VirtualMemoryWithContext,
		Features: SIMDFeatures,
	}
}

func (p *CPUProber) Name() string { return "cpu" }

func (p *CPUProber) Probe(ctx context.Context) ([]ComputeDevice, error) {
	infos, err := p.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu info: %w", err)
	}
	vm, err := p.Memory(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}

	dev := FallbackCPU()
	dev.MemoryBytes = vm.Total
	if len(infos) > 0 {
		dev.Name = strings.TrimSpace(infos[0].ModelName)
		dev.Vendor = cpuVendor(infos[0].VendorID, infos[0].ModelName)
	}
	if p.Features != nil {
		dev.Features = p.Features()
	}
	return []ComputeDevice{dev}, nil
}

func cpuVendor(vendorID, model string) Vendor {
	switch {
	case vendorID == "GenuineIntel":
		return VendorIntel
	case vendorID == "AuthenticAMD":
		return VendorAMD
	case strings.HasPrefix(model, "Apple"):
		return VendorApple
	default:
		return VendorGeneric
	}
}

// SIMDFeatures lists the vector extensions the CPU module can use.
func SIMDFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if xcpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if xcpu.X86.HasAVX {
			features = append(features, "avx")
		}
		if xcpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if xcpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if xcpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
	case "arm64":
		if xcpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if xcpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
	}
	return features
}
