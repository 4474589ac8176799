// Package repl implements the recursion engine's scripted execution
// namespace: a persistent Starlark environment exposing llm_query,
// llm_query_batched, FINAL, FINAL_VAR, and the bound context value.
package repl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"rlm/internal/proto"
	"rlm/internal/sandbox"
)

// RouterClient is the subset of the sub-call router the REPL needs. The
// recursion engine and the in-process router both satisfy it directly; the
// isolated-env broker (§4.D) satisfies it from across a sandbox boundary.
type RouterClient interface {
	CompleteSingle(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error)
	CompleteBatched(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error)
}

type ctxKey string

const ctxKeyGoContext ctxKey = "ctx"

// Env owns one persistent Starlark namespace for the lifetime of a turn (or
// longer, if the caller requests cross-turn persistence).
type Env struct {
	Router  RouterClient
	ScopeID string
	Depth   int
	Timeout time.Duration

	mu      sync.Mutex
	globals starlark.StringDict
	pending *string // set by FINAL/FINAL_VAR; consumed after Execute
}

// NewEnv constructs a REPL environment bound to router for the given scope
// and recursion depth. Depth is the value stamped on every LMRequest this
// environment's helpers emit; per §3's invariant, it is the caller's depth
// plus one.
func NewEnv(router RouterClient, scopeID string, depth int) *Env {
	return &Env{Router: router, ScopeID: scopeID, Depth: depth, Timeout: sandbox.DefaultExecTimeout}
}

// Setup seeds the namespace with context, the four helper callables, and any
// custom-tool closures. customTools maps a declared name to a Starlark
// builtin implementing it; callers register these from the retrieval
// gateway's tool registry.
func (e *Env) Setup(contextValue starlark.Value, customTools starlark.StringDict) {
	e.mu.Lock()
	defer e.mu.Unlock()

	globals := starlark.StringDict{
		"context":           contextValue,
		"llm_query":         starlark.NewBuiltin("llm_query", e.builtinLLMQuery),
		"llm_query_batched": starlark.NewBuiltin("llm_query_batched", e.builtinLLMQueryBatched),
		"FINAL":             starlark.NewBuiltin("FINAL", e.builtinFinal),
		"FINAL_VAR":         starlark.NewBuiltin("FINAL_VAR", e.builtinFinalVar),
	}
	for name, fn := range customTools {
		globals[name] = fn
	}
	e.globals = globals
}

// HelperNames lists names injected by Setup that are excluded from the
// "bound variables" summary in §4.H's execution-result formatter.
func HelperNames() map[string]struct{} {
	return map[string]struct{}{
		"context": {}, "llm_query": {}, "llm_query_batched": {}, "FINAL": {}, "FINAL_VAR": {},
	}
}

// Execute validates and runs code against the persistent namespace, returning
// a proto.REPLResult. Stdout/stderr are captured; an uncaught Starlark error
// becomes REPLResult.Error=true with its backtrace in Stderr. After
// execution, any pending final value set via FINAL/FINAL_VAR is returned
// separately so callers (the recursion engine) can distinguish "ran cleanly,
// no FINAL" from "FINAL was called".
func (e *Env) Execute(ctx context.Context, code string) (proto.REPLResult, *string) {
	e.mu.Lock()
	predeclared := e.globals
	e.mu.Unlock()

	usage := &usageTracker{totals: map[string]proto.Usage{}}
	setup := func(thread *starlark.Thread) {
		thread.SetLocal(string(ctxKeyGoContext), ctx)
		thread.SetLocal("usage", usage)
	}

	res, err := sandbox.Exec(ctx, sandbox.REPL, code, predeclared, e.Timeout, setup)

	e.mu.Lock()
	if res.Globals != nil {
		e.globals = mergeGlobals(e.globals, res.Globals)
	}
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	result := proto.REPLResult{
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		Error:        res.Error,
		SubCallUsage: usage.totals,
	}
	if err != nil && result.Stderr == "" {
		result.Stderr = err.Error()
	}
	return result, pending
}

// mergeGlobals layers fresh over base so re-declared names take the latest
// value while names seeded by Setup (context, helpers) are preserved even if
// the fragment never touched them.
func mergeGlobals(base, fresh starlark.StringDict) starlark.StringDict {
	merged := make(starlark.StringDict, len(base)+len(fresh))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

// BoundVariables returns the current namespace, excluding the helper names
// and context, for §4.H's "Bound variables" summary.
func (e *Env) BoundVariables() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	helpers := HelperNames()
	out := make(map[string]string, len(e.globals))
	for k, v := range e.globals {
		if _, excluded := helpers[k]; excluded {
			continue
		}
		out[k] = v.String()
	}
	return out
}

type usageTracker struct {
	mu     sync.Mutex
	totals map[string]proto.Usage
}

func (t *usageTracker) add(model string, u proto.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.totals[model]
	cur.PromptTokens += u.PromptTokens
	cur.CompletionTokens += u.CompletionTokens
	t.totals[model] = cur
}

func goContext(thread *starlark.Thread) context.Context {
	if v, ok := thread.Local(string(ctxKeyGoContext)).(context.Context); ok {
		return v
	}
	return context.Background()
}

func usageOf(thread *starlark.Thread) *usageTracker {
	if v, ok := thread.Local("usage").(*usageTracker); ok {
		return v
	}
	return &usageTracker{totals: map[string]proto.Usage{}}
}

// builtinLLMQuery implements llm_query(prompt, model=None).
func (e *Env) builtinLLMQuery(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt starlark.String
	var model starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt", &prompt, "model?", &model); err != nil {
		return nil, err
	}

	req := proto.LMRequest{
		Prompt:  prompt.GoString(),
		ScopeID: e.ScopeID,
		Depth:   e.Depth,
	}
	if s := model.GoString(); s != "" {
		req.ModelPreferences = proto.ModelPreferences{Model: s}
	}

	resp, err := e.Router.CompleteSingle(goContext(thread), req)
	if err != nil {
		return nil, fmt.Errorf("llm_query: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("llm_query: %s", resp.Message)
	}
	usageOf(thread).add(resp.ChatCompletion.ModelName, resp.ChatCompletion.Usage)
	return starlark.String(resp.ChatCompletion.Text), nil
}

// builtinLLMQueryBatched implements llm_query_batched(prompts, model=None).
// Missing or failed entries become explanatory error strings in-place rather
// than raising, per §4.C.
func (e *Env) builtinLLMQueryBatched(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var promptsVal starlark.Value
	var model starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompts", &promptsVal, "model?", &model); err != nil {
		return nil, err
	}
	iterable, ok := promptsVal.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("llm_query_batched: prompts must be an iterable of strings")
	}

	var prompts []string
	iter := iterable.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("llm_query_batched: prompts must be strings")
		}
		prompts = append(prompts, s)
	}

	req := proto.LMRequest{
		Prompts:   prompts,
		IsBatched: true,
		ScopeID:   e.ScopeID,
		Depth:     e.Depth,
	}
	if s := model.GoString(); s != "" {
		req.ModelPreferences = proto.ModelPreferences{Model: s}
	}

	resp, err := e.Router.CompleteBatched(goContext(thread), req)
	if err != nil {
		return nil, fmt.Errorf("llm_query_batched: %w", err)
	}

	out := make([]starlark.Value, len(prompts))
	if resp.IsError() {
		msg := starlark.String("error: " + resp.Message)
		for i := range out {
			out[i] = msg
		}
		return starlark.NewList(out), nil
	}
	tracker := usageOf(thread)
	for i := range out {
		if i < len(resp.ChatCompletions) {
			cc := resp.ChatCompletions[i]
			out[i] = starlark.String(cc.Text)
			tracker.add(cc.ModelName, cc.Usage)
		} else {
			out[i] = starlark.String("error: no result for this prompt")
		}
	}
	return starlark.NewList(out), nil
}

// builtinFinal implements FINAL(value).
func (e *Env) builtinFinal(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	s := stringifyStarlark(value)
	e.mu.Lock()
	e.pending = &s
	e.mu.Unlock()
	return value, nil
}

// builtinFinalVar implements FINAL_VAR(name). It resolves name first among
// the module globals of the calling Starlark code, read through the caller's
// frame, so a name assigned earlier in the same block (`x = 5;
// FINAL_VAR('x')`) is visible; otherwise it falls back to e.globals, the
// namespace Execute persisted from earlier blocks.
func (e *Env) builtinFinalVar(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	v, ok := e.globals[name.GoString()]
	e.mu.Unlock()
	if thread.CallStackDepth() > 1 {
		if fn, isFn := thread.DebugFrame(1).Callable().(*starlark.Function); isFn {
			if cur, found := fn.Globals()[name.GoString()]; found {
				v, ok = cur, true
			}
		}
	}
	if !ok {
		return starlark.String(fmt.Sprintf("FINAL_VAR: no variable named %q; assign it before calling FINAL_VAR", name.GoString())), nil
	}
	s := stringifyStarlark(v)
	e.mu.Lock()
	e.pending = &s
	e.mu.Unlock()
	return v, nil
}

func stringifyStarlark(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return strings.TrimSpace(v.String())
}
