package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"rlm/internal/proto"
)

// scriptedRouter replays one LMResponse per call, in order, regardless of
// the request; it records every request it saw for assertions.
type scriptedRouter struct {
	responses []proto.LMResponse
	errs      []error
	calls     []proto.LMRequest
	i         int
}

func (s *scriptedRouter) CompleteSingle(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	s.calls = append(s.calls, req)
	idx := s.i
	s.i++
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], err
	}
	return proto.NewSingleResponse(proto.ChatCompletion{Text: "FINAL(\"default\")"}), err
}

func (s *scriptedRouter) CompleteBatched(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	return proto.NewBatchedResponse(nil), nil
}

func newSession(id string) *proto.Session {
	return proto.NewSession(id, "solve this", time.Unix(0, 0))
}

func TestEngine_SingleIterationFinal(t *testing.T) {
	router := &scriptedRouter{responses: []proto.LMResponse{
		proto.NewSingleResponse(proto.ChatCompletion{Text: "```repl\nFINAL('42')\n```"}),
	}}
	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-1")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.Equal(t, "42", result.Answer)
	require.Equal(t, 1, result.Iterations)
	require.False(t, result.Exhausted)
}

func TestEngine_NestedSubCall(t *testing.T) {
	router := &scriptedRouter{}
	router.responses = []proto.LMResponse{
		proto.NewSingleResponse(proto.ChatCompletion{Text: "```repl\nx = llm_query('name an animal')\nFINAL(x)\n```"}),
	}
	// llm_query's own CompleteSingle call reuses the same scripted router;
	// since it's the *second* CompleteSingle invocation, wire it as the
	// second scripted response.
	router.responses = append(router.responses, proto.NewSingleResponse(proto.ChatCompletion{Text: "otter"}))

	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-2")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.Equal(t, "otter", result.Answer)
}

func TestEngine_ExhaustsAtMaxIterations(t *testing.T) {
	router := &scriptedRouter{responses: []proto.LMResponse{
		proto.NewSingleResponse(proto.ChatCompletion{Text: "```repl\nx = 1\n```"}),
		proto.NewSingleResponse(proto.ChatCompletion{Text: "```repl\nx = 2\n```"}),
	}}
	e := &Engine{Router: router, MaxIterations: 2}
	sess := newSession("scope-3")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.True(t, result.Exhausted)
	require.Equal(t, 2, result.Iterations)
}

func TestEngine_TextualFinalDetectedOutsideFence(t *testing.T) {
	router := &scriptedRouter{responses: []proto.LMResponse{
		proto.NewSingleResponse(proto.ChatCompletion{Text: "I'm done. FINAL(\"the answer\")"}),
	}}
	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-4")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.Equal(t, "the answer", result.Answer)
}

func TestEngine_CancelledContextReturnsBestSoFar(t *testing.T) {
	router := &scriptedRouter{}
	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-5")
	sess.History = []proto.Iteration{{Index: 0, FinalAnswer: strPtr("partial answer")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Run(ctx, sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.Equal(t, "partial answer", result.Answer)
}

// TestEngine_BudgetExceededTerminatesTurnWithExhaustedAggregate mirrors
// scenario 3 (max_sub_tokens=100, backend reports 60 tokens/call, the
// iteration's second batched sub-call trips the ceiling): here the router's
// own next response to the engine carries ErrorKind "BudgetExceeded", the
// shape CompleteSingle/CompleteBatched actually return once reserve() fails.
// The turn must end at that step with the default-exhaustion aggregate
// rather than being retried like a transient error.
func TestEngine_BudgetExceededTerminatesTurnWithExhaustedAggregate(t *testing.T) {
	router := &scriptedRouter{responses: []proto.LMResponse{
		proto.NewSingleResponse(proto.ChatCompletion{Text: "```repl\nx = 1\n```"}),
		proto.NewErrorResponse("projected tokens would exceed the per-turn budget", "BudgetExceeded"),
	}}
	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-6")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.True(t, result.Exhausted)
	require.Equal(t, exhaustedAnswer, result.Answer)
	// Terminated at the second iteration rather than retried up to MaxIterations.
	require.Equal(t, 2, result.Iterations)
}

func TestEngine_ResolutionFailureTerminatesTurnWithExhaustedAggregate(t *testing.T) {
	router := &scriptedRouter{responses: []proto.LMResponse{
		proto.NewErrorResponse("no backend named \"ghost\"", "ResolutionFailure"),
	}}
	e := &Engine{Router: router, MaxIterations: 4}
	sess := newSession("scope-7")

	result, err := e.Run(context.Background(), sess, starlark.String("ctx"), nil)
	require.NoError(t, err)
	require.True(t, result.Exhausted)
	require.Equal(t, exhaustedAnswer, result.Answer)
}

func strPtr(s string) *string { return &s }
