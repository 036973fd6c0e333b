package recovery

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied when the corresponding Policy fields are unset.
const (
	DefaultNetworkRetries   = 3
	DefaultCorruptedRetries = 1
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
)

// Policy bounds same-candidate retries and backoff.
type Policy struct {
	NetworkRetries   int
	CorruptedRetries int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.NetworkRetries <= 0 {
		p.NetworkRetries = DefaultNetworkRetries
	}
	if p.CorruptedRetries <= 0 {
		p.CorruptedRetries = DefaultCorruptedRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// History is what the coordinator knows about the attempts on the current
// candidate and the rest of the chain.
type History struct {
	// Retries counts same-candidate retries already spent, per kind.
	Retries map[FailureKind]int
	// OnCPU is true when the failing candidate is the CPU terminal entry.
	OnCPU bool
	// Remaining is the number of candidates after the current one.
	Remaining int
	// RemainingFitsMemory is true when a later non-CPU candidate has enough
	// memory for the workload.
	RemainingFitsMemory bool
}

// Coordinator selects recovery actions. It never fails: every path ends in
// a decision, and an exhausted chain always resolves to terminal CPU fallback.
type Coordinator struct {
	policy Policy
	log    *zap.Logger
}

// NewCoordinator creates a Coordinator; zero Policy fields take defaults.
func NewCoordinator(policy Policy, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{policy: policy.withDefaults(), log: log.Named("recovery")}
}

// Policy returns the effective policy.
func (c *Coordinator) Policy() Policy { return c.policy }

// Decide returns the recovery action for kind given the attempt history.
func (c *Coordinator) Decide(kind FailureKind, h History) Action {
	action := c.decide(kind, h)
	if action == ActionAdvanceChain && h.Remaining == 0 {
		action = ActionTerminalCPUFallback
	}
	c.log.Debug("recovery decision",
		zap.String("kind", string(kind)),
		zap.String("action", string(action)),
		zap.Int("remaining", h.Remaining),
		zap.Bool("on_cpu", h.OnCPU))
	return action
}

func (c *Coordinator) decide(kind FailureKind, h History) Action {
	switch kind {
	case KindFatal:
		return ActionTerminalCPUFallback
	case KindDriverCorrupted, KindModelCorrupted:
		if h.Retries[kind] < c.policy.CorruptedRetries {
			return ActionRetrySame
		}
		return ActionAdvanceChain
	case KindNetworkFailure:
		if h.Retries[kind] < c.policy.NetworkRetries {
			return ActionRetrySame
		}
		return ActionAdvanceChain
	case KindGPUMemoryExhausted:
		if h.OnCPU {
			return ActionTerminalCPUFallback
		}
		if h.RemainingFitsMemory {
			return ActionAdvanceChain
		}
		return ActionTerminalCPUFallback
	default:
		// driver-missing, driver-incompatible-version, runtime-fault and
		// unknown are never retried.
		return ActionAdvanceChain
	}
}

// Backoff returns the delay before retry number n (1-based): base doubled
// per retry and capped at MaxDelay. Delays are non-decreasing in n.
func (c *Coordinator) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := c.policy.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= c.policy.MaxDelay {
			return c.policy.MaxDelay
		}
	}
	return delay
}

// RetryDelay returns the delay to wait before retrying after a failure of
// kind. Only network failures back off; corrupted artefacts retry at once.
func (c *Coordinator) RetryDelay(kind FailureKind, retry int) time.Duration {
	if kind == KindNetworkFailure {
		return c.Backoff(retry)
	}
	return 0
}
