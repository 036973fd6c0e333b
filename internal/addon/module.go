// Package addon loads native inference modules and validates their call surface.
package addon

import (
	"context"
	"errors"
)

// Entry points every module must expose.
const (
	EntryTranscribe = "transcribe"
	EntryVersion    = "version"
)

// RequiredEntryPoints is the minimum call surface of a module.
var RequiredEntryPoints = []string{EntryTranscribe, EntryVersion}

var (
	// ErrModuleNotFound is returned by openers that do not provide a module.
	ErrModuleNotFound = errors.New("module not found")
	// ErrMissingEntryPoints marks a module lacking required entry points.
	ErrMissingEntryPoints = errors.New("missing required entry points")
)

// Segment is one transcribed span, times in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Params are the device and runtime parameters passed to the module.
type Params struct {
	Backend        string `json:"backend"`
	Device         int    `json:"device"`
	Threads        int    `json:"threads"`
	FP16           bool   `json:"fp16"`
	FlashAttention bool   `json:"flashAttention"`
	DynamicShapes  bool   `json:"dynamicShapes"`
	MemoryCeiling  uint64 `json:"memoryCeiling"`
	Language       string `json:"language,omitempty"`
}

// ProgressFunc receives the percentage of the input processed.
type ProgressFunc func(percent float64)

// Call is the input of the transcribe entry point.
type Call struct {
	Model    string       `json:"model"`
	Input    string       `json:"input"`
	Params   Params       `json:"params"`
	Progress ProgressFunc `json:"-"`
}

// Result is the output of the transcribe entry point. Warnings carry
// non-fatal native notices such as thermal throttling.
type Result struct {
	Segments []Segment `json:"segments"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Module is a loaded native inference module.
//
// Transcribe is not interruptible: once called it runs to completion, and
// implementations may ignore ctx cancellation.
type Module interface {
	Name() string
	Version() string
	EntryPoints() []string
	Transcribe(ctx context.Context, call Call) (*Result, error)
	Close() error
}

// Opener opens a module by name.
type Opener interface {
	Open(ctx context.Context, name string) (Module, error)
}

// MissingEntryPoints returns the required entry points m does not expose.
func MissingEntryPoints(m Module) []string {
	have := make(map[string]bool)
	for _, e := range m.EntryPoints() {
		have[e] = true
	}
	var missing []string
	for _, e := range RequiredEntryPoints {
		if !have[e] {
			missing = append(missing, e)
		}
	}
	return missing
}
