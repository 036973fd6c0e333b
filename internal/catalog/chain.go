package catalog

import (
	"fmt"
	"sort"

	"github.com/fxnlabs/subgen/internal/hardware"
)

// Candidate is one entry of a fallback chain: a backend and the device it targets.
type Candidate struct {
	Descriptor
	Device hardware.ComputeDevice `json:"device"`
}

func (c Candidate) String() string {
	if c.IsCPU() {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s@%s", c.Kind, c.Device.ID)
}

// Catalog holds the backend descriptors and the vendor policy.
type Catalog struct {
	descriptors []Descriptor
	vendors     VendorPolicy
}

// New creates a catalog. Nil arguments select the defaults.
func New(descriptors []Descriptor, vendors VendorPolicy) *Catalog {
	if descriptors == nil {
		descriptors = DefaultDescriptors()
	}
	if vendors == nil {
		vendors = DefaultVendorPolicy()
	}
	return &Catalog{descriptors: descriptors, vendors: vendors}
}

// Descriptors returns the catalog entries.
func (c *Catalog) Descriptors() []Descriptor {
	return append([]Descriptor(nil), c.descriptors...)
}

// BuildFallbackChain uses the default catalog.
func BuildFallbackChain(devices []hardware.ComputeDevice, platform Platform, pref Preference) []Candidate {
	return New(nil, nil).BuildFallbackChain(devices, platform, pref)
}

// BuildFallbackChain orders the candidates to attempt for devices on
// platform. The result is never empty and always ends with the CPU.
//
// Order: the explicitly preferred runtime, then each vendor's own runtime
// for its default device (best family and vendor first), then a
// compatibility runtime when the system mixes vendors or a device has no
// vendor runtime, then CPU.
func (c *Catalog) BuildFallbackChain(devices []hardware.ComputeDevice, platform Platform, pref Preference) []Candidate {
	var applicable []Descriptor
	for _, d := range c.descriptors {
		if d.AppliesTo(platform) {
			applicable = append(applicable, d)
		}
	}

	cpuDesc, ok := Find(applicable, hardware.RuntimeCPU)
	if !ok {
		cpuDesc = CPUDescriptor
	}
	cpuCandidate := Candidate{Descriptor: cpuDesc, Device: hardware.CPU(devices)}

	if pref == Preference(hardware.RuntimeCPU) {
		return []Candidate{cpuCandidate}
	}

	accels := c.orderDevices(primaryDevices(hardware.Accelerators(devices)))

	var chain []Candidate
	seen := make(map[string]bool)
	add := func(d Descriptor, dev hardware.ComputeDevice) {
		key := string(d.Kind) + "|" + dev.ID
		if seen[key] {
			return
		}
		seen[key] = true
		chain = append(chain, Candidate{Descriptor: d, Device: dev})
	}

	if !pref.IsAuto() {
		if d, ok := Find(applicable, hardware.Runtime(pref)); ok {
			for _, dev := range accels {
				if d.Matches(dev) {
					add(d, dev)
					break
				}
			}
		}
	}

	vendors := make(map[hardware.Vendor]bool)
	uncovered := false
	for _, dev := range accels {
		vendors[dev.Vendor] = true
		covered := false
		for _, d := range applicable {
			if d.Compatibility || d.IsCPU() || !d.Matches(dev) {
				continue
			}
			add(d, dev)
			covered = true
		}
		if !covered {
			uncovered = true
		}
	}

	if len(vendors) > 1 || uncovered {
		for _, d := range applicable {
			if !d.Compatibility {
				continue
			}
			for _, dev := range accels {
				if d.Matches(dev) {
					add(d, dev)
					break
				}
			}
		}
	}

	return append(chain, cpuCandidate)
}

// orderDevices sorts by family rank, vendor policy, default flag and
// platform priority.
func (c *Catalog) orderDevices(devices []hardware.ComputeDevice) []hardware.ComputeDevice {
	out := append([]hardware.ComputeDevice(nil), devices...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Family.Rank() != b.Family.Rank() {
			return a.Family.Rank() < b.Family.Rank()
		}
		if a.Vendor != b.Vendor {
			if w, ok := c.vendors.Winner(a.Vendor, b.Vendor); ok {
				return w == a.Vendor
			}
			return a.Vendor < b.Vendor
		}
		if a.Default != b.Default {
			return a.Default
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Index < b.Index
	})
	return out
}

// primaryDevices keeps the default device of each (family, vendor) group.
// Groups without a marked default keep all their devices.
func primaryDevices(devices []hardware.ComputeDevice) []hardware.ComputeDevice {
	type key struct {
		family hardware.Family
		vendor hardware.Vendor
	}
	hasDefault := make(map[key]bool)
	for _, d := range devices {
		if d.Default {
			hasDefault[key{d.Family, d.Vendor}] = true
		}
	}
	out := make([]hardware.ComputeDevice, 0, len(devices))
	for _, d := range devices {
		if d.Default || !hasDefault[key{d.Family, d.Vendor}] {
			out = append(out, d)
		}
	}
	return out
}
