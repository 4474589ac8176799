package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"rlm/internal/proto"
)

// ToolHandler is one of the 12 published tools (§4.G). It receives the raw
// JSON arguments and the already-locked session (nil for the two
// session-lifecycle tools, which manage the session map itself) and returns
// a JSON-marshalable result.
type ToolHandler func(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error)

// ToolSpec pairs a handler with the metadata tools/list advertises.
type ToolSpec struct {
	Name        string
	Description string
	Handler     ToolHandler
	// SessionScoped is false for session.create and session.close, which
	// manage the session map themselves.
	SessionScoped bool
}

// toolRegistry returns the fixed set of 12 tools in canonical order.
func toolRegistry() []ToolSpec {
	return []ToolSpec{
		{Name: "session.create", Description: "Create a new retrieval-gateway session.", Handler: toolSessionCreate},
		{Name: "session.close", Description: "Destroy a session.", Handler: toolSessionClose},
		{Name: "fs.list", Description: "List a directory with per-entry metadata.", Handler: toolFSList, SessionScoped: true},
		{Name: "fs.manifest", Description: "Recursive directory metadata tree, bounded by depth and file count.", Handler: toolFSManifest, SessionScoped: true},
		{Name: "fs.handle.create", Description: "Mint a stable handle id for a path plus its mtime/size.", Handler: toolFSHandleCreate, SessionScoped: true},
		{Name: "search.query", Description: "Bounded substring search, scoring phrase and word-start matches.", Handler: toolSearchQuery, SessionScoped: true},
		{Name: "search.regex", Description: "Bounded regular-expression search.", Handler: toolSearchRegex, SessionScoped: true},
		{Name: "span.read", Description: "Read a (start_line, end_line) span from a file; records provenance.", Handler: toolSpanRead, SessionScoped: true},
		{Name: "chunk.create", Description: "Compute and persist a deterministic line-based chunking of a file.", Handler: toolChunkCreate, SessionScoped: true},
		{Name: "chunk.get", Description: "Retrieve a previously created chunk by id.", Handler: toolChunkGet, SessionScoped: true},
		{Name: "provenance.report", Description: "All snippets surfaced so far in this session.", Handler: toolProvenanceReport, SessionScoped: true},
		{Name: "complete", Description: "Run the recursion engine against a prompt in this session's context.", Handler: toolComplete, SessionScoped: true},
	}
}

// --- session.create / session.close -----------------------------------

type sessionCreateParams struct {
	RootPrompt string `json:"root_prompt"`
}

type sessionCreateResult struct {
	SessionID string `json:"session_id"`
}

func toolSessionCreate(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p sessionCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("session.create: %w", err)
	}
	sess := g.Sessions.Create(p.RootPrompt)
	return sessionCreateResult{SessionID: sess.ID}, nil
}

type sessionCloseParams struct {
	SessionID string `json:"session_id"`
}

type sessionCloseResult struct {
	Closed bool `json:"closed"`
}

func toolSessionClose(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p sessionCloseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("session.close: %w", err)
	}
	return sessionCloseResult{Closed: g.Sessions.Close(p.SessionID)}, nil
}

// --- fs.list / fs.manifest / fs.handle.create --------------------------

type fsListParams struct {
	Path string `json:"path"`
}

type fsListResult struct {
	Entries []FileInfo `json:"entries"`
}

func toolFSList(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p fsListParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fs.list: %w", err)
	}
	dir, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fs.list: %w", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if root, ok := g.rootFor(full); ok {
			out = append(out, statEntry(root, full, info))
		}
	}
	return fsListResult{Entries: out}, nil
}

type fsManifestParams struct {
	Path     string `json:"path"`
	MaxDepth int    `json:"max_depth"`
	MaxFiles int    `json:"max_files"`
}

type fsManifestResult struct {
	Entries   []FileInfo `json:"entries"`
	Truncated bool       `json:"truncated"`
}

const (
	defaultManifestDepth = 6
	defaultManifestFiles = 2000
)

func toolFSManifest(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p fsManifestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fs.manifest: %w", err)
	}
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultManifestDepth
	}
	maxFiles := p.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultManifestFiles
	}
	root, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	truncated := false
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if truncated {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil // unreadable subtree: skip, don't fail the whole walk
		}
		for _, e := range entries {
			if len(out) >= maxFiles {
				truncated = true
				return nil
			}
			full := filepath.Join(dir, e.Name())
			if g.Paths.hasRestrictedComponent(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			base, ok := g.rootFor(full)
			if !ok {
				continue
			}
			out = append(out, statEntry(base, full, info))
			if e.IsDir() && depth < maxDepth {
				if err := walk(full, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, err
	}
	return fsManifestResult{Entries: out, Truncated: truncated}, nil
}

type fsHandleCreateParams struct {
	Path string `json:"path"`
}

type fsHandleCreateResult struct {
	HandleID string `json:"handle_id"`
	Path     string `json:"path"`
	MTime    string `json:"mtime"`
	Size     int64  `json:"size"`
}

func toolFSHandleCreate(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error) {
	var p fsHandleCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fs.handle.create: %w", err)
	}
	full, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("fs.handle.create: %w", err)
	}
	handle := proto.FileHandle{Path: full, MTime: info.ModTime(), Size: info.Size()}
	id := handleID(full)
	sess.Handles[id] = handle
	return fsHandleCreateResult{HandleID: id, Path: full, MTime: handle.MTime.UTC().Format("2006-01-02T15:04:05Z07:00"), Size: handle.Size}, nil
}

func handleID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// --- search.query / search.regex ----------------------------------------

// SearchMatch is one result row; Score favors whole-phrase hits, then
// word-start hits, then plain substring hits, matching §4.G's scoring note.
type SearchMatch struct {
	Path       string  `json:"path"`
	LineNumber int     `json:"line_number"`
	Line       string  `json:"line"`
	Score      float64 `json:"score"`
}

type searchQueryParams struct {
	Path         string   `json:"path"`
	Query        string   `json:"query"`
	IncludeGlobs []string `json:"include_globs"`
	MaxResults   int      `json:"max_results"`
}

type searchResult struct {
	Matches []SearchMatch `json:"matches"`
}

const defaultSearchMaxResults = 200

func toolSearchQuery(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p searchQueryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("search.query: %w", err)
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("search.query: query is required")
	}
	root, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	matches, err := g.walkSearch(root, p.IncludeGlobs, maxOrDefault(p.MaxResults, defaultSearchMaxResults), func(line string) (float64, bool) {
		return scoreSubstring(line, p.Query)
	})
	if err != nil {
		return nil, err
	}
	return searchResult{Matches: matches}, nil
}

type searchRegexParams struct {
	Path         string   `json:"path"`
	Pattern      string   `json:"pattern"`
	IncludeGlobs []string `json:"include_globs"`
	MaxResults   int      `json:"max_results"`
}

func toolSearchRegex(g *Gateway, _ *proto.Session, raw json.RawMessage) (any, error) {
	var p searchRegexParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("search.regex: %w", err)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("search.regex: invalid pattern: %w", err)
	}
	root, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	matches, err := g.walkSearch(root, p.IncludeGlobs, maxOrDefault(p.MaxResults, defaultSearchMaxResults), func(line string) (float64, bool) {
		if !re.MatchString(line) {
			return 0, false
		}
		return 1.0, true
	})
	if err != nil {
		return nil, err
	}
	return searchResult{Matches: matches}, nil
}

func maxOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// scoreSubstring implements the phrase/word-start scoring note: an exact
// phrase match scores highest, a match starting at a word boundary scores
// next, and any other substring occurrence scores lowest.
func scoreSubstring(line, query string) (float64, bool) {
	idx := strings.Index(strings.ToLower(line), strings.ToLower(query))
	if idx < 0 {
		return 0, false
	}
	if idx == 0 || !isWordChar(rune(line[idx-1])) {
		if strings.TrimSpace(line) == strings.TrimSpace(query) {
			return 3.0, true
		}
		return 2.0, true
	}
	return 1.0, true
}

func isWordChar(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (g *Gateway) walkSearch(root string, includeGlobs []string, maxResults int, score func(string) (float64, bool)) ([]SearchMatch, error) {
	var out []SearchMatch
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(out) >= maxResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if g.Paths.hasRestrictedComponent(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if g.Paths.hasRestrictedComponent(d.Name()) {
			return nil
		}
		if len(includeGlobs) > 0 && !matchesAny(includeGlobs, d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		base, ok := g.rootFor(path)
		if !ok {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		for i, line := range strings.Split(string(data), "\n") {
			if sc, ok := score(line); ok {
				out = append(out, SearchMatch{Path: filepath.ToSlash(rel), LineNumber: i + 1, Line: line, Score: sc})
				if len(out) >= maxResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func matchesAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

// --- span.read ------------------------------------------------------------

type spanReadParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

type spanReadResult struct {
	Text             string                  `json:"text"`
	Provenance       proto.SnippetProvenance `json:"provenance"`
	DuplicateWarning bool                    `json:"duplicate_warning"`
}

func toolSpanRead(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error) {
	var p spanReadParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("span.read: %w", err)
	}
	full, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("span.read: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	span, _ := ClipToLineCount(proto.Span{StartLine: p.StartLine, EndLine: p.EndLine}, len(lines))
	text := ExtractSpan(lines, span)

	sum := sha256.Sum256([]byte(text))
	prov := proto.SnippetProvenance{
		FilePath:    full,
		StartLine:   span.StartLine,
		EndLine:     span.EndLine,
		ContentHash: hex.EncodeToString(sum[:]),
		SourceType:  "span.read",
	}
	sess.RecordProvenance(prov)
	duplicate := sess.RecordSpanAccess(full, span)
	return spanReadResult{Text: text, Provenance: prov, DuplicateWarning: duplicate}, nil
}

// --- chunk.create / chunk.get ----------------------------------------------

type chunkCreateParams struct {
	Path          string `json:"path"`
	LinesPerChunk int    `json:"lines_per_chunk"`
	OverlapLines  int    `json:"overlap_lines"`
}

type chunkCreateResult struct {
	FileID string             `json:"file_id"`
	Chunks []chunkCreateEntry `json:"chunks"`
}

type chunkCreateEntry struct {
	ChunkID string            `json:"chunk_id"`
	Bounds  proto.ChunkBounds `json:"bounds"`
}

func toolChunkCreate(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error) {
	var p chunkCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("chunk.create: %w", err)
	}
	full, err := g.Paths.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("chunk.create: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	chunker := NewLineChunker(p.LinesPerChunk, p.OverlapLines)
	bounds := chunker.Chunk(full, len(lines))

	entries := make([]chunkCreateEntry, 0, len(bounds))
	for _, b := range bounds {
		id := full + "#" + strconv.Itoa(b.Index)
		sess.Chunks[id] = b
		entries = append(entries, chunkCreateEntry{ChunkID: id, Bounds: b})
	}
	return chunkCreateResult{FileID: full, Chunks: entries}, nil
}

type chunkGetParams struct {
	ChunkID string `json:"chunk_id"`
}

type chunkGetResult struct {
	Text    string            `json:"text"`
	Bounds  proto.ChunkBounds `json:"bounds"`
	Warning string            `json:"warning,omitempty"`
}

func toolChunkGet(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error) {
	var p chunkGetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("chunk.get: %w", err)
	}
	bounds, ok := sess.Chunks[p.ChunkID]
	if !ok {
		return nil, fmt.Errorf("chunk.get: no chunk %q", p.ChunkID)
	}
	data, err := os.ReadFile(bounds.FileID)
	if err != nil {
		return nil, fmt.Errorf("chunk.get: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	clamped, warning := ClipToLineCount(bounds.Span, len(lines))
	text := ExtractSpan(lines, clamped)
	bounds.Span = clamped
	return chunkGetResult{Text: text, Bounds: bounds, Warning: warning}, nil
}

// --- provenance.report ------------------------------------------------------

type provenanceReportResult struct {
	Snippets []proto.SnippetProvenance `json:"snippets"`
}

func toolProvenanceReport(g *Gateway, sess *proto.Session, _ json.RawMessage) (any, error) {
	return provenanceReportResult{Snippets: append([]proto.SnippetProvenance(nil), sess.Provenance...)}, nil
}

// --- complete ------------------------------------------------------------

type completeParams struct {
	Prompt string `json:"prompt"`
}

type completeResult struct {
	Answer     string            `json:"answer"`
	Iterations int               `json:"iterations"`
	Usage      proto.UsageTotals `json:"usage"`
	Exhausted  bool              `json:"exhausted"`
}

func toolComplete(g *Gateway, sess *proto.Session, raw json.RawMessage) (any, error) {
	var p completeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	if strings.TrimSpace(p.Prompt) != "" {
		sess.RootPrompt = p.Prompt
	}
	result, err := g.runComplete(sess)
	if err != nil {
		return nil, err
	}
	return completeResult{Answer: result.Answer, Iterations: result.Iterations, Usage: result.Usage, Exhausted: result.Exhausted}, nil
}
