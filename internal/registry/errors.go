package registry

import "errors"

// modelNotFoundError is returned when a requested file is not present in the model directory.
type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.name }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether the error indicates a missing model file.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// ErrNoModels is returned when the model directory holds no candidate files.
var ErrNoModels = errors.New("no model files found")
