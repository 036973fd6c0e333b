package hardware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

const intelPCIVendor = "0x8086"

var drmCardName = regexp.MustCompile(`^card(\d+)$`)

// Known DG2 (Arc) device ids and their VRAM in GiB. Other 0x56xx ids are
// DG2 parts with an unlisted memory size.
var intelArcVRAM = map[string]uint64{
	"0x56a0": 16, // A770
	"0x56a1": 8,  // A750
	"0x56a2": 8,  // A580
	"0x56a5": 6,  // A380
	"0x56a6": 4,  // A310
}

// IntelProber reads /sys/class/drm for Intel GPUs. Sys is rooted at /sys.
type IntelProber struct {
	Sys          fs.FS
	Log          *zap.Logger
	GOOS         string
	SystemMemory func(ctx context.Context) (uint64, error)
}

func (p *IntelProber) Name() string { return "intel" }

func (p *IntelProber) Probe(ctx context.Context) ([]ComputeDevice, error) {
	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "linux" || p.Sys == nil {
		return nil, nil
	}

	entries, err := fs.ReadDir(p.Sys, "class/drm")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class: %w", err)
	}

	type card struct {
		index int
		name  string
	}
	var cards []card
	for _, e := range entries {
		m := drmCardName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index, _ := strconv.Atoi(m[1])
		cards = append(cards, card{index: index, name: e.Name()})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].index < cards[j].index })

	var devices []ComputeDevice
	for _, c := range cards {
		base := "class/drm/" + c.name + "/device/"
		vendor, err := readSysValue(p.Sys, base+"vendor")
		if err != nil || vendor != intelPCIVendor {
			continue
		}
		deviceID, err := readSysValue(p.Sys, base+"device")
		if err != nil {
			return nil, fmt.Errorf("read %sdevice: %w", base, err)
		}
		driver := ueventDriver(p.Sys, base+"uevent")

		dev := ComputeDevice{
			ID:            "intel:" + deviceID + ":" + strconv.Itoa(c.index),
			Vendor:        VendorIntel,
			Index:         c.index,
			DriverVersion: driver,
			Capabilities: map[Runtime]bool{
				RuntimeOpenVINO: true,
				RuntimeVulkan:   true,
			},
			Priority: len(devices),
		}

		if isIntelArc(deviceID) {
			dev.Family = FamilyDiscreteGPU
			dev.Name = "Intel Arc " + deviceID
			gib, ok := intelArcVRAM[deviceID]
			if !ok {
				gib = 8
			}
			dev.MemoryBytes = gib << 30
		} else {
			dev.Family = FamilyIntegratedGPU
			dev.Name = "Intel Graphics " + deviceID
			dev.SharedMemory = true
			if p.SystemMemory != nil {
				total, err := p.SystemMemory(ctx)
				if err != nil {
					p.Log.Debug("system memory query failed", zap.Error(err))
				}
				dev.MemoryBytes = total
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func isIntelArc(deviceID string) bool {
	return strings.HasPrefix(strings.ToLower(deviceID), "0x56")
}

func readSysValue(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// ueventDriver returns the kernel driver bound to the device (i915 or xe).
func ueventDriver(fsys fs.FS, name string) string {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "DRIVER="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// VirtualMemoryTotal reports total system memory through gopsutil.
func VirtualMemoryTotal(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}
