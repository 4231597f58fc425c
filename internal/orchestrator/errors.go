package orchestrator

import "errors"

// busyError is returned when a per-item submission arrives while work is in flight.
type busyError struct{ active string }

func (e busyError) Error() string { return "busy: job " + e.active + " in progress" }

// ErrBusy constructs a busyError naming the job holding the single-flight lock.
func ErrBusy(active string) error { return busyError{active: active} }

// IsBusy reports whether err is a single-flight rejection (HTTP 429).
func IsBusy(err error) bool {
	var e busyError
	return errors.As(err, &e)
}

var (
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("orchestrator shut down")
	// ErrInvalidJob is returned for malformed submissions.
	ErrInvalidJob = errors.New("invalid job")
)
