package addon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory creates an in-process module.
type Factory func(ctx context.Context) (Module, error)

// Registry is an Opener over in-process module factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered module names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Open(ctx context.Context, name string) (Module, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
	}
	return f(ctx)
}

// Openers tries each opener in order. A real open failure is preferred over
// "not found" when every opener fails.
type Openers []Opener

func (o Openers) Open(ctx context.Context, name string) (Module, error) {
	var firstErr error
	for _, opener := range o {
		m, err := opener.Open(ctx, name)
		if err == nil {
			return m, nil
		}
		if firstErr == nil || (errors.Is(firstErr, ErrModuleNotFound) && !errors.Is(err, ErrModuleNotFound)) {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("%s: %w", name, ErrModuleNotFound)
	}
	return nil, firstErr
}

// TranscribeFunc implements the transcribe entry point in-process.
type TranscribeFunc func(ctx context.Context, call Call) (*Result, error)

// FuncModule adapts a TranscribeFunc into a Module exposing every required
// entry point.
type FuncModule struct {
	ModuleName    string
	ModuleVersion string
	Fn            TranscribeFunc
	OnClose       func() error
}

func (m *FuncModule) Name() string          { return m.ModuleName }
func (m *FuncModule) Version() string       { return m.ModuleVersion }
func (m *FuncModule) EntryPoints() []string { return RequiredEntryPoints }

func (m *FuncModule) Transcribe(ctx context.Context, call Call) (*Result, error) {
	return m.Fn(ctx, call)
}

func (m *FuncModule) Close() error {
	if m.OnClose != nil {
		return m.OnClose()
	}
	return nil
}
