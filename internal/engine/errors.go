package engine

import "fmt"

// Sentinel errors for the engine package, in the teacher's
// internal/tree/error.go style: package-level vars wrapped with %w so
// errors.Is/errors.As work across package boundaries, plus an errorf
// helper that prefixes the fully-qualified method name.
var (
	ErrNotSupported = fmt.Errorf("engine: no supported I/O backend available")
	ErrTimeout      = fmt.Errorf("engine: task timeout elapsed")
	ErrClientEOF    = fmt.Errorf("engine: client reached end of stream")
	ErrUnknownFD    = fmt.Errorf("engine: file descriptor not registered")
)

func errorf(method, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", method, fmt.Errorf(format, args...))
}
