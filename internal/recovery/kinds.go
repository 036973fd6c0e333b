// Package recovery classifies native backend failures and decides how the
// orchestrator recovers from them: retry the same candidate, advance along
// the fallback chain, or fall back to CPU.
package recovery

import "time"

// FailureKind is the classification of one failure.
type FailureKind string

const (
	KindDriverMissing       FailureKind = "driver-missing"
	KindDriverCorrupted     FailureKind = "driver-corrupted"
	KindModelCorrupted      FailureKind = "model-corrupted"
	KindDriverIncompatible  FailureKind = "driver-incompatible-version"
	KindGPUMemoryExhausted  FailureKind = "gpu-memory-exhausted"
	KindNetworkFailure      FailureKind = "model-acquisition-network-failure"
	KindRuntimeFault        FailureKind = "runtime-fault"
	KindUnknown             FailureKind = "unknown"
	KindDriverOutdated      FailureKind = "driver-outdated"
	KindDriverBeta          FailureKind = "driver-beta"
	KindDegradedPerformance FailureKind = "degraded-performance"
	KindFatal               FailureKind = "fatal"
)

// IsWarning reports whether the kind is informational only. Warnings are
// attached as notes and never trigger recovery.
func (k FailureKind) IsWarning() bool {
	switch k {
	case KindDriverOutdated, KindDriverBeta, KindDegradedPerformance:
		return true
	}
	return false
}

// Action is the recovery decision for a failure.
type Action string

const (
	ActionRetrySame           Action = "retry-same"
	ActionAdvanceChain        Action = "advance-chain"
	ActionTerminalCPUFallback Action = "terminal-cpu-fallback"
)

// FailureRecord is the record of one failed attempt.
type FailureRecord struct {
	Kind      FailureKind   `json:"kind"`
	Error     string        `json:"error"`
	Action    Action        `json:"action"`
	Backend   string        `json:"backend"`
	Candidate int           `json:"candidate"`
	Attempt   int           `json:"attempt"`
	Backoff   time.Duration `json:"backoff,omitempty"`
	At        time.Time     `json:"at"`
}
