package gateway

import (
	"fmt"
	"strings"

	"rlm/internal/proto"
)

// defaultChunkLines/defaultChunkOverlap mirror rag/chunker's size/overlap
// knobs (there expressed in characters; here in lines, since the gateway's
// ChunkBounds are line spans rather than byte spans).
const (
	defaultChunkLines   = 200
	defaultChunkOverlap = 20
)

// LineChunker computes deterministic, persisted line-span chunks of a file's
// contents. It is the gateway's counterpart to rag/chunker.SimpleChunker:
// same fixed-size/overlap strategy, but chunk boundaries are line numbers
// (matching Span/ChunkBounds, §3) rather than character offsets, since
// chunk.get must validate persisted bounds against a file's current line
// count rather than its byte length.
type LineChunker struct {
	LinesPerChunk int
	OverlapLines  int
}

// NewLineChunker builds a LineChunker, applying the package defaults for a
// non-positive linesPerChunk or a negative overlapLines (zero overlap is kept).
func NewLineChunker(linesPerChunk, overlapLines int) LineChunker {
	if linesPerChunk <= 0 {
		linesPerChunk = defaultChunkLines
	}
	if overlapLines < 0 {
		overlapLines = defaultChunkOverlap
	}
	return LineChunker{LinesPerChunk: linesPerChunk, OverlapLines: overlapLines}
}

// Chunk splits a file of totalLines lines into contiguous,
// possibly-overlapping Span chunks, 1-indexed with both ends inclusive per
// proto.Span's documented convention.
func (c LineChunker) Chunk(fileID string, totalLines int) []proto.ChunkBounds {
	if totalLines <= 0 {
		return nil
	}
	step := c.LinesPerChunk - c.OverlapLines
	if step <= 0 {
		step = c.LinesPerChunk
	}

	var out []proto.ChunkBounds
	idx := 0
	for start := 1; start <= totalLines; start += step {
		end := start + c.LinesPerChunk - 1
		if end > totalLines {
			end = totalLines
		}
		out = append(out, proto.ChunkBounds{
			FileID:   fileID,
			Strategy: fmt.Sprintf("fixed:%d/%d", c.LinesPerChunk, c.OverlapLines),
			Index:    idx,
			Span:     proto.Span{StartLine: start, EndLine: end},
		})
		idx++
		if end == totalLines {
			break
		}
	}
	return out
}

// ClipToLineCount validates bounds against the file's current line count,
// clamping and reporting whether the persisted span had to be clipped due to
// drift (the file shrank since chunk.create ran). Per §4.G, drift is a
// warning, never an error.
func ClipToLineCount(bounds proto.Span, currentLines int) (clamped proto.Span, warning string) {
	clamped = bounds
	if currentLines <= 0 {
		return proto.Span{}, "file is now empty; chunk bounds could not be honored"
	}
	if clamped.StartLine > currentLines {
		clamped.StartLine = currentLines
	}
	if clamped.EndLine > currentLines {
		clamped.EndLine = currentLines
		warning = fmt.Sprintf("chunk end line clipped from %d to %d; file has shrunk since chunk.create", bounds.EndLine, currentLines)
	}
	if clamped.StartLine < 1 {
		clamped.StartLine = 1
	}
	if clamped.EndLine < clamped.StartLine {
		clamped.EndLine = clamped.StartLine
	}
	return clamped, warning
}

// ExtractSpan returns the text of lines[span.StartLine-1 : span.EndLine]
// joined with newlines, clamping span to the slice's bounds.
func ExtractSpan(lines []string, span proto.Span) string {
	start := span.StartLine
	end := span.EndLine
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
