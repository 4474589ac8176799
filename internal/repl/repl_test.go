package repl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"rlm/internal/proto"
)

type fakeRouter struct {
	singleResp proto.LMResponse
	batchResp  proto.LMResponse
}

func (f *fakeRouter) CompleteSingle(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	return f.singleResp, nil
}

func (f *fakeRouter) CompleteBatched(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	return f.batchResp, nil
}

func newTestEnv(router RouterClient) *Env {
	env := NewEnv(router, "scope-1", 1)
	env.Setup(starlark.String("the context blob"), nil)
	return env
}

func TestEnv_FinalCallableSetsPending(t *testing.T) {
	env := newTestEnv(&fakeRouter{})
	result, final := env.Execute(context.Background(), `FINAL("done")`)
	require.False(t, result.Error)
	require.NotNil(t, final)
	require.Equal(t, "done", *final)
}

func TestEnv_FinalVarResolvesNamespaceVariable(t *testing.T) {
	env := newTestEnv(&fakeRouter{})
	result, final := env.Execute(context.Background(), "answer = \"42\"\nFINAL_VAR(\"answer\")")
	require.False(t, result.Error)
	require.NotNil(t, final)
	require.Equal(t, "42", *final)
}

func TestEnv_FinalVarMissingNameReturnsHelperMessage(t *testing.T) {
	env := newTestEnv(&fakeRouter{})
	result, final := env.Execute(context.Background(), `FINAL_VAR("nope")`)
	require.False(t, result.Error)
	require.Nil(t, final, "a missing FINAL_VAR name must not set a pending answer")
}

func TestEnv_LLMQueryReturnsCompletionText(t *testing.T) {
	router := &fakeRouter{singleResp: proto.NewSingleResponse(proto.ChatCompletion{Text: "hi there", ModelName: "local"})}
	env := newTestEnv(router)
	result, _ := env.Execute(context.Background(), `out = llm_query("hello")
print(out)`)
	require.False(t, result.Error)
	require.Equal(t, "hi there\n", result.Stdout)
}

func TestEnv_LLMQueryBatchedFillsErrorStringsForShortfall(t *testing.T) {
	router := &fakeRouter{batchResp: proto.NewBatchedResponse([]proto.ChatCompletion{{Text: "only one"}})}
	env := newTestEnv(router)
	result, _ := env.Execute(context.Background(), `out = llm_query_batched(["a", "b"])
print(out[0])
print(out[1])`)
	require.False(t, result.Error)
	require.Contains(t, result.Stdout, "only one")
	require.Contains(t, result.Stdout, "error: no result for this prompt")
}

func TestEnv_NamespacePersistsAcrossExecuteCalls(t *testing.T) {
	env := newTestEnv(&fakeRouter{})
	_, _ = env.Execute(context.Background(), `counter = 1`)
	result, _ := env.Execute(context.Background(), `counter = counter + 1
print(counter)`)
	require.False(t, result.Error)
	require.Equal(t, "2\n", result.Stdout)
}

func TestEnv_BoundVariablesExcludesHelpers(t *testing.T) {
	env := newTestEnv(&fakeRouter{})
	_, _ = env.Execute(context.Background(), `x = "hi"`)
	vars := env.BoundVariables()
	_, hasContext := vars["context"]
	require.False(t, hasContext)
	_, hasLLMQuery := vars["llm_query"]
	require.False(t, hasLLMQuery)
	require.Contains(t, vars, "x")
}
