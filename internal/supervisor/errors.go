package supervisor

import "errors"

// dependencyUnavailableError signals a missing model file or server executable
// so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing launch dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

var (
	// ErrNotRunning is returned by WaitReady when no process is supervised.
	ErrNotRunning = errors.New("inference server not running")
	// ErrExited is returned by WaitReady when the process exits while waiting.
	ErrExited = errors.New("inference server exited")
)
