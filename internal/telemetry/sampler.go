package telemetry

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/process"
)

// MemorySampler reports current memory usage in bytes.
type MemorySampler interface {
	Sample(ctx context.Context) (uint64, error)
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func(ctx context.Context) (uint64, error)

func (f SamplerFunc) Sample(ctx context.Context) (uint64, error) { return f(ctx) }

// ProcessSampler samples the resident set size of a process.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) Sample(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
