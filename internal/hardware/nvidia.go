package hardware

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var nvidiaQueryArgs = []string{
	"--query-gpu=index,uuid,name,driver_version,memory.total,compute_cap",
	"--format=csv,noheader,nounits",
}

// minCUDAComputeCapability is the oldest architecture the CUDA modules are built for.
const minCUDAComputeCapability = 5.0

// NVIDIAProber queries nvidia-smi for discrete NVIDIA GPUs.
type NVIDIAProber struct {
	Run CommandRunner
	Log *zap.Logger
}

func (p *NVIDIAProber) Name() string { return "nvidia" }

// Probe polls the GPUs using nvidia-smi.
func (p *NVIDIAProber) Probe(ctx context.Context) ([]ComputeDevice, error) {
	output, err := p.Run(ctx, "nvidia-smi", nvidiaQueryArgs...)
	if err != nil {
		if toolMissing(err) {
			p.Log.Debug("nvidia-smi command not found, skipping NVIDIA probe")
			return nil, nil
		}
		return nil, err
	}
	return parseNVIDIASMI(string(output))
}

func parseNVIDIASMI(output string) ([]ComputeDevice, error) {
	var devices []ComputeDevice
	for order, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, ",")
		if len(values) < 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}

		index, err := strconv.Atoi(values[0])
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi index %q: %w", values[0], err)
		}
		memMiB, err := strconv.ParseUint(values[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi memory %q: %w", values[4], err)
		}

		cudaOK := true
		if len(values) > 5 {
			if cc, err := strconv.ParseFloat(values[5], 64); err == nil {
				cudaOK = cc >= minCUDAComputeCapability
			}
		}

		id := values[1]
		if id == "" || strings.HasPrefix(id, "[") {
			id = fmt.Sprintf("nvidia:%d", index)
		}

		devices = append(devices, ComputeDevice{
			ID:            id,
			Family:        FamilyDiscreteGPU,
			Vendor:        VendorNVIDIA,
			Name:          values[2],
			Index:         index,
			MemoryBytes:   memMiB << 20,
			DriverVersion: values[3],
			Capabilities: map[Runtime]bool{
				RuntimeCUDA:   cudaOK,
				RuntimeVulkan: true,
			},
			Priority: order,
		})
	}
	return devices, nil
}
