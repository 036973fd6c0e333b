package hardware

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/subgen/internal/metrics"
	"github.com/fxnlabs/subgen/internal/recovery"
)

// Prober enumerates the devices of one vendor family.
// An empty result with a nil error means no device was found.
type Prober interface {
	Name() string
	Probe(ctx context.Context) ([]ComputeDevice, error)
}

// Detector runs all probers concurrently and joins their results.
type Detector struct {
	probers []Prober
	policy  SameVendorPolicy
	log     *zap.Logger
}

// NewDetector creates a detector over probers.
func NewDetector(log *zap.Logger, policy SameVendorPolicy, probers ...Prober) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{probers: probers, policy: policy, log: log.Named("detector")}
}

// DefaultProbers returns the probers for the host platform.
func DefaultProbers(run CommandRunner, log *zap.Logger) []Prober {
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = zap.NewNop()
	}
	return []Prober{
		&NVIDIAProber{Run: run, Log: log},
		&AMDProber{Run: run, Log: log},
		&IntelProber{Sys: os.DirFS("/sys"), Log: log, SystemMemory: VirtualMemoryTotal},
		&AppleProber{Run: run, Log: log},
		NewCPUProber(),
	}
}

// Detect enumerates devices. When a platform query fails, the devices found
// by the other probers are returned together with the joined
// *recovery.DetectionError values.
func (d *Detector) Detect(ctx context.Context) ([]ComputeDevice, error) {
	start := time.Now()
	results := make([][]ComputeDevice, len(d.probers))
	failures := make([]error, len(d.probers))

	var g errgroup.Group
	for i, p := range d.probers {
		g.Go(func() error {
			devices, err := p.Probe(ctx)
			if err != nil {
				failures[i] = &recovery.DetectionError{Prober: p.Name(), Err: err}
				return nil
			}
			results[i] = devices
			return nil
		})
	}
	_ = g.Wait()

	var devices []ComputeDevice
	for _, r := range results {
		devices = append(devices, r...)
	}
	sortDevices(devices)
	markDefaults(devices, d.policy)

	err := errors.Join(failures...)
	for _, f := range failures {
		if f != nil {
			d.log.Warn("hardware probe failed", zap.Error(f))
			metrics.DetectionFailures.Inc()
		}
	}
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	metrics.DetectedDevices.Set(float64(len(devices)))

	d.log.Debug("detection complete",
		zap.Int("devices", len(devices)),
		zap.Duration("elapsed", time.Since(start)))
	return devices, err
}

func sortDevices(devices []ComputeDevice) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if a.Family.Rank() != b.Family.Rank() {
			return a.Family.Rank() < b.Family.Rank()
		}
		if a.Vendor != b.Vendor {
			return a.Vendor < b.Vendor
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
}
