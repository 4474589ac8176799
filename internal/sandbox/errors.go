package sandbox

import "errors"

// ErrValidatorRejected is returned when a code fragment fails AST validation
// (blocked load, builtin call, or attribute traversal).
var ErrValidatorRejected = errors.New("sandbox: code rejected by validator")

// ErrExecutionTimeout is returned when a fragment's wall-clock budget is
// exceeded before it finishes running.
var ErrExecutionTimeout = errors.New("sandbox: execution timed out")
