// Package backend derives the runtime parameters for one backend attempt.
package backend

import (
	"sync"

	"github.com/fxnlabs/subgen/internal/addon"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/recovery"
)

// Flags are backend optimization switches.
type Flags struct {
	FP16           bool `json:"fp16"`
	DynamicShapes  bool `json:"dynamicShapes"`
	FlashAttention bool `json:"flashAttention"`
	SIMD           bool `json:"simd"`
}

// Note codes.
const (
	NoteDriverOutdated    = string(recovery.KindDriverOutdated)
	NoteDriverBeta        = string(recovery.KindDriverBeta)
	NoteCompatibilityMode = "compatibility-mode"
	NoteSharedMemory      = "shared-memory"
	NoteDegraded          = string(recovery.KindDegradedPerformance)
)

// Note is a diagnostic attached to a configuration.
type Note struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Configuration is the resolved bundle for one attempt. At most one module
// is attached, and Release closes it exactly once.
type Configuration struct {
	Backend       hardware.Runtime       `json:"backend"`
	Device        hardware.ComputeDevice `json:"device"`
	DeviceIndex   int                    `json:"deviceIndex"`
	Threads       int                    `json:"threads"`
	Flags         Flags                  `json:"flags"`
	MemoryCeiling uint64                 `json:"memoryCeiling"`
	Notes         []Note                 `json:"notes,omitempty"`
	ModuleName    string                 `json:"module,omitempty"`
	ModuleVersion string                 `json:"moduleVersion,omitempty"`

	mu     sync.Mutex
	module addon.Module
}

// Attach binds the loaded module to the configuration.
func (c *Configuration) Attach(m addon.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.module = m
	if m != nil {
		c.ModuleName = m.Name()
		c.ModuleVersion = m.Version()
	}
}

// Module returns the attached module, or nil.
func (c *Configuration) Module() addon.Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.module
}

// Release closes the attached module. Later calls do nothing.
func (c *Configuration) Release() error {
	c.mu.Lock()
	m := c.module
	c.module = nil
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

// HasNote reports whether a note with code is attached.
func (c *Configuration) HasNote(code string) bool {
	for _, n := range c.Notes {
		if n.Code == code {
			return true
		}
	}
	return false
}

// AddNote appends a note unless one with the same code exists.
func (c *Configuration) AddNote(code, message string) {
	if c.HasNote(code) {
		return
	}
	c.Notes = append(c.Notes, Note{Code: code, Message: message})
}

// Params converts the configuration into module call parameters.
func (c *Configuration) Params(language string) addon.Params {
	return addon.Params{
		Backend:        string(c.Backend),
		Device:         c.DeviceIndex,
		Threads:        c.Threads,
		FP16:           c.Flags.FP16,
		FlashAttention: c.Flags.FlashAttention,
		DynamicShapes:  c.Flags.DynamicShapes,
		MemoryCeiling:  c.MemoryCeiling,
		Language:       language,
	}
}

// ValidateHeadroom checks that required bytes fit under the memory ceiling.
// A zero ceiling means the device memory is unknown and is not checked.
func ValidateHeadroom(c *Configuration, required uint64) error {
	if c.MemoryCeiling == 0 || required <= c.MemoryCeiling {
		return nil
	}
	return &recovery.MemoryError{
		Device:    c.Device.ID,
		Required:  required,
		Available: c.MemoryCeiling,
	}
}
