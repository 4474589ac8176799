package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLMResponse_BatchedEmptySliceRoundTrips(t *testing.T) {
	resp := NewBatchedResponse(nil)
	require.True(t, resp.IsBatched())
	require.NotNil(t, resp.ChatCompletions)
	require.Empty(t, resp.ChatCompletions)

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got LMResponse
	require.NoError(t, json.Unmarshal(b, &got))
	require.True(t, got.IsBatched())
	require.NotNil(t, got.ChatCompletions)
	require.Len(t, got.ChatCompletions, 0)
}

func TestLMResponse_SingleRoundTrips(t *testing.T) {
	resp := NewSingleResponse(ChatCompletion{Text: "hi", ModelName: "local"})
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got LMResponse
	require.NoError(t, json.Unmarshal(b, &got))
	require.True(t, got.IsSingle())
	require.Equal(t, "hi", got.ChatCompletion.Text)
}

func TestLMResponse_ErrorRoundTrips(t *testing.T) {
	resp := NewErrorResponse("boom", "BudgetExceeded")
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got LMResponse
	require.NoError(t, json.Unmarshal(b, &got))
	require.True(t, got.IsError())
	require.Equal(t, "boom", got.Message)
	require.Equal(t, "BudgetExceeded", got.ErrorKind)
}

func TestLMResponse_ZeroValueFailsValidate(t *testing.T) {
	var resp LMResponse
	require.Error(t, resp.Validate())
	_, err := json.Marshal(resp)
	require.Error(t, err)
}

func TestSession_RecordSpanAccessDetectsDuplicate(t *testing.T) {
	s := NewSession("s1", "root", time.Now())
	dup := s.RecordSpanAccess("file-a", Span{StartLine: 1, EndLine: 10})
	require.False(t, dup)
	dup = s.RecordSpanAccess("file-a", Span{StartLine: 1, EndLine: 10})
	require.True(t, dup)
	dup = s.RecordSpanAccess("file-a", Span{StartLine: 11, EndLine: 20})
	require.False(t, dup)
}
