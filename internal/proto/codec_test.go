package proto

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := LMRequest{ID: "abc", Prompt: "hello", ScopeID: "turn-1", Depth: 0}
	require.NoError(t, WriteFrame(&buf, req))

	var got LMRequest
	require.NoError(t, ReadFrame(bufio.NewReader(&buf), &got))
	require.Equal(t, req, got)
}

func TestReadFrame_EmptyReaderIsEOF(t *testing.T) {
	var buf bytes.Buffer
	var got LMRequest
	err := ReadFrame(bufio.NewReader(&buf), &got)
	require.Error(t, err)
}

func TestReadFrame_ZeroLengthFrameLeavesValueUntouched(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, buf.WriteByte(0))
	require.NoError(t, buf.WriteByte(0))
	require.NoError(t, buf.WriteByte(0))
	require.NoError(t, buf.WriteByte(0))

	got := LMRequest{ID: "untouched"}
	require.NoError(t, ReadFrame(bufio.NewReader(&buf), &got))
	require.Equal(t, "untouched", got.ID)
}
