package recovery

import (
	"errors"
	"fmt"
)

// ErrChainExhausted is returned when every candidate, including CPU, has been tried.
var ErrChainExhausted = errors.New("fallback chain exhausted")

// DetectionError signals that a platform hardware query itself failed.
// An empty device list is not a DetectionError.
type DetectionError struct {
	Prober string
	Err    error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("hardware detection (%s): %v", e.Prober, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// LoadError signals that a native module could not be opened or lacks
// the required entry points.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load module %s: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DriverError reports a driver problem discovered outside of native error text,
// e.g. by version checks.
type DriverError struct {
	Kind    FailureKind
	Version string
	Err     error
}

func (e *DriverError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("driver %s (%s): %v", e.Kind, e.Version, e.Err)
	}
	return fmt.Sprintf("driver %s: %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// MemoryError signals that the device cannot hold the requested workload.
type MemoryError struct {
	Device    string
	Required  uint64
	Available uint64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("insufficient memory on %s: need %d bytes, ceiling %d bytes", e.Device, e.Required, e.Available)
}

// NetworkError wraps a transient failure while acquiring a model.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("model acquisition %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CorruptionError signals a checksum mismatch or truncated artefact.
type CorruptionError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// RuntimeError wraps a failure raised by the native call itself.
type RuntimeError struct {
	Backend string
	Err     error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s runtime: %v", e.Backend, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// FatalError means the CPU fallback itself failed. It indicates an
// environment defect rather than a hardware problem.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: cpu fallback failed: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsDetectionError reports whether err contains a DetectionError.
func IsDetectionError(err error) bool {
	var target *DetectionError
	return errors.As(err, &target)
}

// IsLoadError reports whether err contains a LoadError.
func IsLoadError(err error) bool {
	var target *LoadError
	return errors.As(err, &target)
}

// IsMemoryError reports whether err contains a MemoryError.
func IsMemoryError(err error) bool {
	var target *MemoryError
	return errors.As(err, &target)
}

// IsNetworkError reports whether err contains a NetworkError.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsFatal reports whether err contains a FatalError.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}
