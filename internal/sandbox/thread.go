package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// DefaultExecTimeout is the per-execution wall-clock budget applied when the
// caller does not override it.
const DefaultExecTimeout = 60 * time.Second

// ExecResult is the raw outcome of running one validated fragment. The
// engine (§4.F) and REPL environment (§4.C) translate this into a
// proto.REPLResult.
type ExecResult struct {
	Stdout string
	Stderr string
	Error  bool
	// Globals is the namespace after execution, for the REPL's persistence
	// contract and for the "bound variables" summary in §4.H.
	Globals starlark.StringDict
}

// Exec validates src against tier, then executes it under a starlark.Thread
// built without any of the blocked names in its builtin table or Load
// function — the runtime layer of §4.B, enforced by construction rather
// than by catching an exception after the fact. predeclared seeds the
// namespace (context, llm_query, FINAL, ...); globals from a prior Exec call
// on the same namespace can be threaded back in via predeclared for
// within-turn persistence.
//
// Execution is bounded by timeout via a cooperative cancellation check: a
// goroutine calls thread.Cancel once the context or timeout fires, which
// starlark's interpreter observes at the next step and aborts with a
// CancelledError.
// setup, when non-nil, is called with the freshly constructed thread before
// execution starts, so a caller can attach context.Context or other
// request-scoped data via thread.SetLocal for its builtins to retrieve.
func Exec(ctx context.Context, tier Tier, src string, predeclared starlark.StringDict, timeout time.Duration, setup func(*starlark.Thread)) (ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if err := Validate(tier, src); err != nil {
		return ExecResult{Error: true, Stderr: err.Error()}, err
	}

	var out strings.Builder
	thread := &starlark.Thread{
		Name: "rlm-repl",
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteString("\n")
		},
	}
	if tier == Strict {
		thread.Load = nil // no module loading at all in strict tier
	} else {
		thread.Load = restrictedLoad
	}
	if setup != nil {
		setup(thread)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			thread.Cancel("execution timeout or cancellation")
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, "repl.star", src, predeclared)
	close(done)

	res := ExecResult{Stdout: out.String(), Globals: globals}
	if err != nil {
		res.Error = true
		res.Stderr = formatStarlarkError(err)
		if execCtx.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
		}
		return res, err
	}
	return res, nil
}

// restrictedLoad is the Load function installed for REPL-tier threads: it
// never resolves a module blocked by Validate, so a fragment that somehow
// slipped past AST validation still cannot reach it at runtime.
func restrictedLoad(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(module, "./"), ".star")
	if _, blocked := blockedModulesREPL[name]; blocked {
		return nil, fmt.Errorf("sandbox: module %q is not available", name)
	}
	return nil, fmt.Errorf("sandbox: module %q is not registered", name)
}

// formatStarlarkError renders a starlark error with its backtrace, the
// sandbox's stand-in for a Python traceback in stderr.
func formatStarlarkError(err error) string {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return evalErr.Backtrace()
	}
	return err.Error()
}
