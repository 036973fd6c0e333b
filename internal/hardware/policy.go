package hardware

import (
	"fmt"
	"strconv"
	"strings"
)

// PolicyMode names how the default device is chosen among several devices of
// the same vendor and family.
type PolicyMode string

const (
	// PolicyPlatformFirst picks the device the platform reported first. When
	// the reported priorities tie, the lowest device index wins.
	PolicyPlatformFirst PolicyMode = "platform-first"
	// PolicyHighestMemory picks the device with the most memory.
	PolicyHighestMemory PolicyMode = "highest-memory"
	// PolicyIndex pins the default to a device index.
	PolicyIndex PolicyMode = "index"
)

// SameVendorPolicy is the tie-break for multiple same-vendor devices.
type SameVendorPolicy struct {
	Mode  PolicyMode
	Index int
}

// DefaultSameVendorPolicy is platform-first.
var DefaultSameVendorPolicy = SameVendorPolicy{Mode: PolicyPlatformFirst}

// ParseSameVendorPolicy parses "platform-first", "highest-memory" or
// "index:N". The empty string selects the default policy.
func ParseSameVendorPolicy(s string) (SameVendorPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == string(PolicyPlatformFirst):
		return DefaultSameVendorPolicy, nil
	case s == string(PolicyHighestMemory):
		return SameVendorPolicy{Mode: PolicyHighestMemory}, nil
	case strings.HasPrefix(s, string(PolicyIndex)+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, string(PolicyIndex)+":"))
		if err != nil || n < 0 {
			return SameVendorPolicy{}, fmt.Errorf("invalid device index in policy %q", s)
		}
		return SameVendorPolicy{Mode: PolicyIndex, Index: n}, nil
	}
	return SameVendorPolicy{}, fmt.Errorf("unknown same-vendor policy %q", s)
}

func (p SameVendorPolicy) String() string {
	if p.Mode == PolicyIndex {
		return fmt.Sprintf("%s:%d", PolicyIndex, p.Index)
	}
	if p.Mode == "" {
		return string(PolicyPlatformFirst)
	}
	return string(p.Mode)
}

// choose returns the position in group of the default device.
func (p SameVendorPolicy) choose(group []ComputeDevice) int {
	switch p.Mode {
	case PolicyHighestMemory:
		best := 0
		for i, d := range group[1:] {
			b := group[best]
			if d.MemoryBytes > b.MemoryBytes || (d.MemoryBytes == b.MemoryBytes && d.Index < b.Index) {
				best = i + 1
			}
		}
		return best
	case PolicyIndex:
		for i, d := range group {
			if d.Index == p.Index {
				return i
			}
		}
	}
	return platformFirst(group)
}

func platformFirst(group []ComputeDevice) int {
	best := 0
	for i, d := range group[1:] {
		b := group[best]
		if d.Priority < b.Priority || (d.Priority == b.Priority && d.Index < b.Index) {
			best = i + 1
		}
	}
	return best
}

// markDefaults sets Default on exactly one device per (family, vendor) group.
func markDefaults(devices []ComputeDevice, policy SameVendorPolicy) {
	type key struct {
		family Family
		vendor Vendor
	}
	groups := make(map[key][]int)
	var order []key
	for i, d := range devices {
		k := key{d.Family, d.Vendor}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	for _, k := range order {
		positions := groups[k]
		group := make([]ComputeDevice, len(positions))
		for i, pos := range positions {
			group[i] = devices[pos]
			devices[pos].Default = false
		}
		devices[positions[policy.choose(group)]].Default = true
	}
}
