package backend

import (
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
)

// Memory ceilings as a percentage of device memory.
const (
	dedicatedMemoryPercent = 90
	sharedMemoryPercent    = 50
	systemMemoryPercent    = 75
)

const (
	maxCPUThreads      = 16
	acceleratorThreads = 4
)

// DefaultMinDriverVersions are the oldest driver versions the shipped modules
// are tested against. macOS versions stand in for Metal and Core ML.
var DefaultMinDriverVersions = map[hardware.Runtime]string{
	hardware.RuntimeCUDA:   "525.60",
	hardware.RuntimeROCm:   "5.7",
	hardware.RuntimeMetal:  "13.0",
	hardware.RuntimeCoreML: "13.0",
}

var (
	leadingVersion = regexp.MustCompile(`^\d+(\.\d+){0,2}`)
	betaMarker     = regexp.MustCompile(`(?i)beta|preview|alpha|[-.]?rc\d*\b|-dev`)
)

// Options tune the builder.
type Options struct {
	// Threads overrides the derived thread count when positive.
	Threads int
	// CPUCount is the number of logical CPUs; zero means runtime.NumCPU.
	CPUCount int
	// MinDriverVersions overrides DefaultMinDriverVersions when set.
	MinDriverVersions map[hardware.Runtime]string
}

// Builder derives configurations. Build does no I/O.
type Builder struct {
	threads    int
	cpuCount   int
	minDrivers map[hardware.Runtime]string
}

// NewBuilder creates a builder.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		threads:    opts.Threads,
		cpuCount:   opts.CPUCount,
		minDrivers: opts.MinDriverVersions,
	}
	if b.cpuCount <= 0 {
		b.cpuCount = runtime.NumCPU()
	}
	if b.minDrivers == nil {
		b.minDrivers = DefaultMinDriverVersions
	}
	return b
}

// Build derives the configuration for running d on dev.
func (b *Builder) Build(dev hardware.ComputeDevice, d catalog.Descriptor) *Configuration {
	cfg := &Configuration{
		Backend:       d.Kind,
		Device:        dev,
		DeviceIndex:   dev.Index,
		Threads:       b.threadCount(d),
		Flags:         flagsFor(d.Kind, dev),
		MemoryCeiling: memoryCeiling(dev, d),
	}
	if d.IsCPU() {
		cfg.DeviceIndex = 0
	}

	if floor, ok := b.minDrivers[d.Kind]; ok && dev.DriverVersion != "" && versionBelow(dev.DriverVersion, floor) {
		cfg.AddNote(NoteDriverOutdated, fmt.Sprintf("driver %s is older than the recommended %s", dev.DriverVersion, floor))
	}
	if dev.DriverVersion != "" && betaMarker.MatchString(dev.DriverVersion) {
		cfg.AddNote(NoteDriverBeta, fmt.Sprintf("driver %s is a pre-release build", dev.DriverVersion))
	}
	if d.Compatibility {
		cfg.AddNote(NoteCompatibilityMode, fmt.Sprintf("%s runs %s in compatibility mode", dev.Name, d.Kind))
	}
	if dev.SharedMemory && !d.IsCPU() {
		cfg.AddNote(NoteSharedMemory, "device shares system memory with the CPU")
	}
	return cfg
}

func (b *Builder) threadCount(d catalog.Descriptor) int {
	if b.threads > 0 {
		return b.threads
	}
	if !d.IsCPU() {
		return acceleratorThreads
	}
	return max(1, min(b.cpuCount, maxCPUThreads))
}

func memoryCeiling(dev hardware.ComputeDevice, d catalog.Descriptor) uint64 {
	switch {
	case d.IsCPU():
		return dev.MemoryBytes / 100 * systemMemoryPercent
	case dev.SharedMemory:
		return dev.MemoryBytes / 100 * sharedMemoryPercent
	default:
		return dev.MemoryBytes / 100 * dedicatedMemoryPercent
	}
}

func flagsFor(kind hardware.Runtime, dev hardware.ComputeDevice) Flags {
	switch kind {
	case hardware.RuntimeCUDA, hardware.RuntimeMetal:
		return Flags{FP16: true, DynamicShapes: true, FlashAttention: true}
	case hardware.RuntimeROCm, hardware.RuntimeOpenVINO:
		return Flags{FP16: true, DynamicShapes: true}
	case hardware.RuntimeVulkan, hardware.RuntimeCoreML:
		return Flags{FP16: true}
	default:
		simd := slices.Contains(dev.Features, "avx2") || slices.Contains(dev.Features, "neon")
		return Flags{SIMD: simd}
	}
}

// versionBelow compares dotted numeric versions. Unparseable versions are
// never reported as outdated.
func versionBelow(have, want string) bool {
	h := canonical(have)
	w := canonical(want)
	if h == "" || w == "" {
		return false
	}
	return semver.Compare(h, w) < 0
}

// canonical turns "470.57.02" into "v470.57.2" for semver comparison.
func canonical(v string) string {
	m := leadingVersion.FindString(strings.TrimSpace(v))
	if m == "" {
		return ""
	}
	parts := strings.Split(m, ".")
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ""
		}
		parts[i] = strconv.Itoa(n)
	}
	c := "v" + strings.Join(parts, ".")
	if !semver.IsValid(c) {
		return ""
	}
	return c
}
