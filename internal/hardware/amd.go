package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var rocmQueryArgs = []string{"--showproductname", "--showmeminfo", "vram", "--showdriverversion", "--json"}

// AMDProber queries rocm-smi for AMD GPUs. ROCm only ships for linux.
type AMDProber struct {
	Run  CommandRunner
	Log  *zap.Logger
	GOOS string
}

func (p *AMDProber) Name() string { return "amd" }

func (p *AMDProber) Probe(ctx context.Context) ([]ComputeDevice, error) {
	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "linux" {
		return nil, nil
	}

	output, err := p.Run(ctx, "rocm-smi", rocmQueryArgs...)
	if err != nil {
		if toolMissing(err) {
			p.Log.Debug("rocm-smi command not found, skipping AMD probe")
			return nil, nil
		}
		return nil, err
	}
	return parseROCmSMI(output)
}

// parseROCmSMI reads the rocm-smi JSON report: one object per "cardN" key
// plus a "system" object carrying the driver version.
func parseROCmSMI(output []byte) ([]ComputeDevice, error) {
	var report map[string]map[string]string
	if err := json.Unmarshal(output, &report); err != nil {
		return nil, fmt.Errorf("decode rocm-smi output: %w", err)
	}

	driver := report["system"]["Driver version"]

	type card struct {
		index  int
		fields map[string]string
	}
	var cards []card
	for key, fields := range report {
		if !strings.HasPrefix(key, "card") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(key, "card"))
		if err != nil {
			continue
		}
		cards = append(cards, card{index: index, fields: fields})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].index < cards[j].index })

	devices := make([]ComputeDevice, 0, len(cards))
	for order, c := range cards {
		name := firstNonEmpty(c.fields["Card series"], c.fields["Card SKU"], c.fields["Card model"], "AMD GPU")
		var vram uint64
		if v := c.fields["VRAM Total Memory (B)"]; v != "" {
			parsed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse rocm-smi vram %q: %w", v, err)
			}
			vram = parsed
		}
		id := c.fields["Unique ID"]
		if id == "" || id == "N/A" {
			id = fmt.Sprintf("amd:%d", c.index)
		}
		devices = append(devices, ComputeDevice{
			ID:            id,
			Family:        FamilyDiscreteGPU,
			Vendor:        VendorAMD,
			Name:          name,
			Index:         c.index,
			MemoryBytes:   vram,
			DriverVersion: driver,
			Capabilities: map[Runtime]bool{
				RuntimeROCm:   true,
				RuntimeVulkan: true,
			},
			Priority: order,
		})
	}
	return devices, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
