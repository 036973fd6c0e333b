package recovery

import (
	"context"
	"errors"
	"net"
	"regexp"
)

// Rule maps native error text matching Pattern to Kind.
type Rule struct {
	Pattern *regexp.Regexp
	Kind    FailureKind
}

// NewRule compiles a case-insensitive pattern into a Rule.
func NewRule(pattern string, kind FailureKind) Rule {
	return Rule{Pattern: regexp.MustCompile(`(?i)` + pattern), Kind: kind}
}

// DefaultRules is the rule set for the native modules shipped with subgen.
// Order matters: the first match wins.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(`(unsupported|incompatible|too new|newer than supported).*(driver|runtime|version)|(driver|runtime).*(unsupported|incompatible|too new)`, KindDriverIncompatible),
		NewRule(`checksum mismatch|sha256 mismatch|corrupt(ed)? model|invalid model file|bad magic|unexpected end of file|truncated`, KindModelCorrupted),
		NewRule(`corrupt(ed)?|damaged installation|invalid elf|bad image|wrong ELF class|file too short`, KindDriverCorrupted),
		NewRule(`out of memory|cudaErrorMemoryAllocation|memory allocation fail|failed to allocate|insufficient (device |gpu |video )?memory|ErrorOutOfDeviceMemory|hipErrorOutOfMemory`, KindGPUMemoryExhausted),
		NewRule(`driver not found|no (compatible|cuda|vulkan|metal|gpu)[- ]?(capable )?device|cudaErrorNoDevice|cudaErrorInsufficientDriver|libcuda\.so.*(not found|cannot open)|cannot open shared object|not installed|no such file or directory|module not found|missing required entry points|failed to communicate with the nvidia driver`, KindDriverMissing),
		NewRule(`timed? ?out|deadline exceeded|no such host|\bdns\b|connection (reset|refused|closed)|unexpected EOF|broken pipe|network is unreachable|tls handshake|partial download`, KindNetworkFailure),
		NewRule(`outdated driver|driver (is )?too old|please update (your )?driver`, KindDriverOutdated),
		NewRule(`beta driver|preview driver|release candidate driver`, KindDriverBeta),
		NewRule(`thermal|throttl|contention|resource busy`, KindDegradedPerformance),
		NewRule(`segmentation fault|abort(ed)?|assert(ion)? fail|illegal instruction|exit status|runtime error|panic`, KindRuntimeFault),
	}
}

// Classifier turns opaque native errors into FailureKinds. Typed errors
// from this package are classified structurally; everything else is matched
// against the ordered rule list.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier using rules, or DefaultRules when none are given.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// WithRules returns a copy of c with extra rules evaluated before the existing ones.
func (c *Classifier) WithRules(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(c.rules))
	rules = append(rules, extra...)
	rules = append(rules, c.rules...)
	return &Classifier{rules: rules}
}

// Classify returns the FailureKind for err. A nil error classifies as unknown.
func (c *Classifier) Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	var (
		fatal   *FatalError
		memErr  *MemoryError
		netErr  *NetworkError
		corrupt *CorruptionError
		drvErr  *DriverError
	)
	switch {
	case errors.As(err, &fatal):
		return KindFatal
	case errors.As(err, &memErr):
		return KindGPUMemoryExhausted
	case errors.As(err, &corrupt):
		return KindModelCorrupted
	case errors.As(err, &drvErr) && drvErr.Kind != "":
		return drvErr.Kind
	case errors.As(err, &netErr):
		if kind := c.match(err.Error()); kind == KindModelCorrupted {
			return kind
		}
		return KindNetworkFailure
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkFailure
	}

	return c.match(err.Error())
}

func (c *Classifier) match(text string) FailureKind {
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(text) {
			return rule.Kind
		}
	}
	return KindUnknown
}
