package catalog

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/subgen/internal/hardware"
)

// VendorPair is an unordered pair of vendors.
type VendorPair struct {
	A, B hardware.Vendor
}

func pair(a, b hardware.Vendor) VendorPair {
	if a > b {
		a, b = b, a
	}
	return VendorPair{A: a, B: b}
}

// VendorPolicy decides which vendor's devices come first on hybrid systems.
type VendorPolicy map[VendorPair]hardware.Vendor

// DefaultVendorPolicy prefers apple, then nvidia, then amd, then intel.
func DefaultVendorPolicy() VendorPolicy {
	return VendorPolicy{
		pair(hardware.VendorNVIDIA, hardware.VendorAMD):   hardware.VendorNVIDIA,
		pair(hardware.VendorNVIDIA, hardware.VendorIntel): hardware.VendorNVIDIA,
		pair(hardware.VendorAMD, hardware.VendorIntel):    hardware.VendorAMD,
		pair(hardware.VendorApple, hardware.VendorNVIDIA): hardware.VendorApple,
		pair(hardware.VendorApple, hardware.VendorAMD):    hardware.VendorApple,
		pair(hardware.VendorApple, hardware.VendorIntel):  hardware.VendorApple,
	}
}

// Winner returns the preferred vendor of a and b.
func (p VendorPolicy) Winner(a, b hardware.Vendor) (hardware.Vendor, bool) {
	if a == b {
		return a, true
	}
	w, ok := p[pair(a, b)]
	return w, ok
}

// Set records winner as preferred over loser.
func (p VendorPolicy) Set(winner, loser hardware.Vendor) {
	p[pair(winner, loser)] = winner
}

// WithOverrides returns a copy of p with rules of the form "winner>loser"
// applied on top.
func (p VendorPolicy) WithOverrides(rules []string) (VendorPolicy, error) {
	out := make(VendorPolicy, len(p)+len(rules))
	for k, v := range p {
		out[k] = v
	}
	for _, rule := range rules {
		winner, loser, ok := strings.Cut(rule, ">")
		if !ok {
			return nil, fmt.Errorf("vendor rule %q: want winner>loser", rule)
		}
		w := hardware.Vendor(strings.ToLower(strings.TrimSpace(winner)))
		l := hardware.Vendor(strings.ToLower(strings.TrimSpace(loser)))
		if w == "" || l == "" || w == l {
			return nil, fmt.Errorf("vendor rule %q: need two distinct vendors", rule)
		}
		out.Set(w, l)
	}
	return out, nil
}
