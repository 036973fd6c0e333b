// Package catalog maps detected hardware to an ordered fallback chain of
// backend candidates.
package catalog

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/fxnlabs/subgen/internal/hardware"
)

// Platform is the operating system and architecture subgen runs on.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// HostPlatform returns the platform of the running process.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// Descriptor is a static description of one backend.
type Descriptor struct {
	Kind hardware.Runtime `json:"kind"`
	// Modules are the native module names to try, in order.
	Modules []string `json:"modules"`
	// Vendors and Families restrict which devices the backend drives.
	// Empty means any.
	Vendors  []hardware.Vendor `json:"vendors,omitempty"`
	Families []hardware.Family `json:"families,omitempty"`
	// Platforms lists the GOOS values the backend ships for. Empty means all.
	Platforms []string `json:"platforms,omitempty"`
	// Compatibility marks cross-vendor runtimes used only as a fallback.
	Compatibility bool `json:"compatibility,omitempty"`
}

// AppliesTo reports whether the backend can exist on p at all.
func (d Descriptor) AppliesTo(p Platform) bool {
	return len(d.Platforms) == 0 || slices.Contains(d.Platforms, p.OS)
}

// Matches reports whether the backend can drive dev.
func (d Descriptor) Matches(dev hardware.ComputeDevice) bool {
	if !dev.Supports(d.Kind) {
		return false
	}
	if len(d.Vendors) > 0 && !slices.Contains(d.Vendors, dev.Vendor) {
		return false
	}
	if len(d.Families) > 0 && !slices.Contains(d.Families, dev.Family) {
		return false
	}
	return true
}

// IsCPU reports whether d is the CPU backend.
func (d Descriptor) IsCPU() bool {
	return d.Kind == hardware.RuntimeCPU
}

// CPUDescriptor is the terminal entry of every chain.
var CPUDescriptor = Descriptor{
	Kind:    hardware.RuntimeCPU,
	Modules: []string{"whisper-cpu"},
}

// DefaultDescriptors returns the backends shipped with subgen.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Kind:      hardware.RuntimeCUDA,
			Modules:   []string{"whisper-cuda12", "whisper-cuda11"},
			Vendors:   []hardware.Vendor{hardware.VendorNVIDIA},
			Families:  []hardware.Family{hardware.FamilyDiscreteGPU},
			Platforms: []string{"linux", "windows"},
		},
		{
			Kind:      hardware.RuntimeROCm,
			Modules:   []string{"whisper-hipblas"},
			Vendors:   []hardware.Vendor{hardware.VendorAMD},
			Families:  []hardware.Family{hardware.FamilyDiscreteGPU},
			Platforms: []string{"linux"},
		},
		{
			Kind:      hardware.RuntimeOpenVINO,
			Modules:   []string{"whisper-openvino"},
			Vendors:   []hardware.Vendor{hardware.VendorIntel},
			Families:  []hardware.Family{hardware.FamilyDiscreteGPU, hardware.FamilyIntegratedGPU},
			Platforms: []string{"linux", "windows"},
		},
		{
			Kind:      hardware.RuntimeMetal,
			Modules:   []string{"whisper-metal"},
			Vendors:   []hardware.Vendor{hardware.VendorApple},
			Families:  []hardware.Family{hardware.FamilyIntegratedGPU},
			Platforms: []string{"darwin"},
		},
		{
			Kind:      hardware.RuntimeCoreML,
			Modules:   []string{"whisper-coreml"},
			Vendors:   []hardware.Vendor{hardware.VendorApple},
			Families:  []hardware.Family{hardware.FamilyNeural},
			Platforms: []string{"darwin"},
		},
		{
			Kind:          hardware.RuntimeVulkan,
			Modules:       []string{"whisper-vulkan"},
			Vendors:       []hardware.Vendor{hardware.VendorNVIDIA, hardware.VendorAMD, hardware.VendorIntel},
			Platforms:     []string{"linux", "windows"},
			Compatibility: true,
		},
		CPUDescriptor,
	}
}

// Preference is the user's backend choice: "auto" or a runtime kind.
type Preference string

const PreferenceAuto Preference = "auto"

// ParsePreference validates s against the known runtime kinds.
func ParsePreference(s string) (Preference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == string(PreferenceAuto) || s == "gpu" {
		return PreferenceAuto, nil
	}
	for _, d := range DefaultDescriptors() {
		if string(d.Kind) == s {
			return Preference(s), nil
		}
	}
	return "", fmt.Errorf("unknown backend preference %q", s)
}

// IsAuto reports whether no explicit backend was requested.
func (p Preference) IsAuto() bool {
	return p == "" || p == PreferenceAuto
}

// Find returns the descriptor of kind in descriptors.
func Find(descriptors []Descriptor, kind hardware.Runtime) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Kind == kind {
			return d, true
		}
	}
	return Descriptor{}, false
}
