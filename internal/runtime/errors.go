package runtime

import "errors"

var (
	// ErrUnknownRuntime is returned when a lookup names a runtime that was
	// never declared in configuration.
	ErrUnknownRuntime = errors.New("unknown runtime")

	// ErrRuntimeUnavailable is returned when a declared runtime is not
	// reachable: still starting past the caller's deadline, crashed past its
	// restart budget, or stopped for shutdown.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
)
