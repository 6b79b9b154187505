package devrt

import (
	"fmt"

	"github.com/pkg/errors"
)

// SetupStage identifies the step of Setup that failed.
type SetupStage string

const (
	StageArguments    SetupStage = "arguments"
	StageAlreadySetup SetupStage = "already-setup"
	StageDriver       SetupStage = "driver"
	StageDeviceCount  SetupStage = "device-count"
	StageInitialize   SetupStage = "initialize"
	StageBind         SetupStage = "bind"
	StageProbe        SetupStage = "probe"
	StageStream       SetupStage = "stream"
	StageMetrics      SetupStage = "metrics"
)

// SetupError is returned by Setup (and BindDevice) when the process can't be bound to a usable device.
//
// It is unrecoverable: the simulation can't run any work without a bound device, and the process entry point is
// expected to terminate the process, e.g. with klog.Fatalf("%+v", err).
type SetupError struct {
	Stage SetupStage
	Err   error
}

// Error implements error.
func (e *SetupError) Error() string {
	return fmt.Sprintf("accelerator setup failed (%s): %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the underlying error.
func (e *SetupError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "accelerator setup failed (%s): %+v", e.Stage, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// newSetupError wraps err for the given stage. Errors already of type *SetupError are returned as is.
func newSetupError(stage SetupStage, err error) error {
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return err
	}
	return &SetupError{Stage: stage, Err: err}
}

// IsSetupError returns whether err is (or wraps) a *SetupError.
func IsSetupError(err error) bool {
	var setupErr *SetupError
	return errors.As(err, &setupErr)
}

// SetupErrorStage returns the stage of the *SetupError wrapped in err, or "" if err is not a setup error.
func SetupErrorStage(err error) SetupStage {
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return setupErr.Stage
	}
	return ""
}

// panicf panics with a formatted error with a stack trace: used for violated invariants, which are logic errors
// of the caller.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
