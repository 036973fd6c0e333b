package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/subgen/internal/recovery"
)

// Failure is the error surfaced when a request ends TerminallyFailed.
// Kind is the technical classification of the last error; Message is the
// translated text meant for display.
type Failure struct {
	RequestID string
	Kind      recovery.FailureKind
	Message   string
	Records   []recovery.FailureRecord
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("request %s failed (%s): %v", f.RequestID, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
