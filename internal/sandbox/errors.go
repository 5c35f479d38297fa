package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrLaunchFailed    = errors.New("sandbox launch failed")
	ErrBackendDown     = errors.New("sandbox backend unavailable")
)

// LaunchError wraps errors with the context of the launch that failed.
type LaunchError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *LaunchError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchFailure reports whether err prevented a sandbox process from
// ever starting (no process leaked in that case).
func IsLaunchFailure(err error) bool {
	return errors.Is(err, ErrLaunchFailed)
}
