package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/internal/proto"
)

func TestLineChunker_FixedSizeNoOverlap(t *testing.T) {
	c := NewLineChunker(10, 0)
	bounds := c.Chunk("file-1", 25)
	require.Len(t, bounds, 3)
	require.Equal(t, proto.Span{StartLine: 1, EndLine: 10}, bounds[0].Span)
	require.Equal(t, proto.Span{StartLine: 11, EndLine: 20}, bounds[1].Span)
	require.Equal(t, proto.Span{StartLine: 21, EndLine: 25}, bounds[2].Span)
}

func TestLineChunker_WithOverlap(t *testing.T) {
	c := NewLineChunker(10, 2)
	bounds := c.Chunk("file-1", 25)
	require.Equal(t, proto.Span{StartLine: 1, EndLine: 10}, bounds[0].Span)
	require.Equal(t, proto.Span{StartLine: 9, EndLine: 18}, bounds[1].Span)
}

func TestLineChunker_EmptyFileYieldsNoChunks(t *testing.T) {
	c := NewLineChunker(10, 0)
	require.Empty(t, c.Chunk("file-1", 0))
}

func TestClipToLineCount_ClipsAndWarns(t *testing.T) {
	clamped, warning := ClipToLineCount(proto.Span{StartLine: 5, EndLine: 20}, 10)
	require.Equal(t, proto.Span{StartLine: 5, EndLine: 10}, clamped)
	require.Contains(t, warning, "clipped")
}

func TestClipToLineCount_NoDriftNoWarning(t *testing.T) {
	clamped, warning := ClipToLineCount(proto.Span{StartLine: 1, EndLine: 5}, 10)
	require.Equal(t, proto.Span{StartLine: 1, EndLine: 5}, clamped)
	require.Empty(t, warning)
}

func TestExtractSpan_JoinsRequestedLines(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	require.Equal(t, "b\nc", ExtractSpan(lines, proto.Span{StartLine: 2, EndLine: 3}))
}

func TestExtractSpan_ClampsOutOfBounds(t *testing.T) {
	lines := []string{"a", "b"}
	require.Equal(t, "a\nb", ExtractSpan(lines, proto.Span{StartLine: 1, EndLine: 50}))
}
