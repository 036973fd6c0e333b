package hardware

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// AppleProber reports the integrated GPU and Neural Engine of Apple silicon.
// Both share system memory with the CPU.
type AppleProber struct {
	Run  CommandRunner
	Log  *zap.Logger
	GOOS string
}

func (p *AppleProber) Name() string { return "apple" }

func (p *AppleProber) Probe(ctx context.Context) ([]ComputeDevice, error) {
	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "darwin" {
		return nil, nil
	}

	brand, err := p.Run(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	if err != nil {
		return nil, err
	}
	chip := strings.TrimSpace(string(brand))
	if !strings.HasPrefix(chip, "Apple") {
		p.Log.Debug("not Apple silicon, skipping", zap.String("cpu", chip))
		return nil, nil
	}

	memOut, err := p.Run(ctx, "sysctl", "-n", "hw.memsize")
	if err != nil {
		return nil, err
	}
	memBytes, err := strconv.ParseUint(strings.TrimSpace(string(memOut)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse hw.memsize: %w", err)
	}

	// The OS version stands in for the driver version on macOS.
	osVersion := ""
	if out, err := p.Run(ctx, "sw_vers", "-productVersion"); err == nil {
		osVersion = strings.TrimSpace(string(out))
	} else {
		p.Log.Debug("sw_vers failed", zap.Error(err))
	}

	return []ComputeDevice{
		{
			ID:            "apple:gpu:0",
			Family:        FamilyIntegratedGPU,
			Vendor:        VendorApple,
			Name:          chip + " GPU",
			MemoryBytes:   memBytes,
			SharedMemory:  true,
			DriverVersion: osVersion,
			Capabilities:  map[Runtime]bool{RuntimeMetal: true},
		},
		{
			ID:            "apple:ane:0",
			Family:        FamilyNeural,
			Vendor:        VendorApple,
			Name:          chip + " Neural Engine",
			MemoryBytes:   memBytes,
			SharedMemory:  true,
			DriverVersion: osVersion,
			Capabilities:  map[Runtime]bool{RuntimeCoreML: true},
		},
	}, nil
}
