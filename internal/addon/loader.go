package addon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/recovery"
)

// Loader opens the module of a backend descriptor.
type Loader struct {
	opener Opener
	log    *zap.Logger
}

// NewLoader creates a loader over opener.
func NewLoader(opener Opener, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{opener: opener, log: log.Named("loader")}
}

// Load tries the descriptor's module names in order and returns the first
// module exposing every required entry point. It does not retry. On
// failure the returned *recovery.LoadError carries the most informative
// native error seen.
func (l *Loader) Load(ctx context.Context, d catalog.Descriptor) (Module, error) {
	if len(d.Modules) == 0 {
		return nil, &recovery.LoadError{Module: string(d.Kind), Err: ErrModuleNotFound}
	}

	var best *recovery.LoadError
	for _, name := range d.Modules {
		m, err := l.opener.Open(ctx, name)
		if err == nil {
			if missing := MissingEntryPoints(m); len(missing) > 0 {
				_ = m.Close()
				err = fmt.Errorf("%w: %s", ErrMissingEntryPoints, strings.Join(missing, ", "))
			}
		}
		if err == nil {
			l.log.Info("module loaded",
				zap.String("backend", string(d.Kind)),
				zap.String("module", m.Name()),
				zap.String("version", m.Version()))
			return m, nil
		}

		l.log.Debug("module load failed", zap.String("module", name), zap.Error(err))
		loadErr := &recovery.LoadError{Module: name, Err: err}
		if best == nil || (errors.Is(best.Err, ErrModuleNotFound) && !errors.Is(err, ErrModuleNotFound)) {
			best = loadErr
		}
	}
	return nil, best
}
