package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/internal/llm"
	"rlm/internal/proto"
	"rlm/internal/router"
)

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	root := t.TempDir()
	reg := router.NewRegistry()
	reg.Register(llm.NewLocalBackend("local"))
	rt := router.New(reg, "local", router.Budgets{})

	gw, err := New([]string{root}, rt)
	require.NoError(t, err)
	return gw, root
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestGateway_SessionLifecycle(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	res, err := gw.CallTool(ctx, "session.create", mustJSON(t, sessionCreateParams{RootPrompt: "hi"}))
	require.NoError(t, err)
	created := res.(sessionCreateResult)
	require.NotEmpty(t, created.SessionID)
	require.Equal(t, 1, gw.Sessions.Count())

	res2, err := gw.CallTool(ctx, "session.close", mustJSON(t, sessionCloseParams{SessionID: created.SessionID}))
	require.NoError(t, err)
	require.True(t, res2.(sessionCloseResult).Closed)
	require.Equal(t, 0, gw.Sessions.Count())
}

func TestGateway_FSListRejectsOutsideRoot(t *testing.T) {
	gw, root := newTestGateway(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0o644))

	ctx := context.Background()
	sess := gw.Sessions.Create("root")

	res, err := gw.CallTool(ctx, "fs.list", mustJSON(t, struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
	}{sess.ID, "sub"}))
	require.NoError(t, err)
	require.Len(t, res.(fsListResult).Entries, 1)

	_, err = gw.CallTool(ctx, "fs.list", mustJSON(t, struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
	}{sess.ID, "../../etc"}))
	require.Error(t, err)
}

func TestGateway_SpanReadRecordsProvenanceAndWarnsOnDuplicate(t *testing.T) {
	gw, root := newTestGateway(t)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("l1\nl2\nl3\n"), 0o644))

	ctx := context.Background()
	sess := gw.Sessions.Create("root")

	params := struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}{sess.ID, "f.txt", 1, 2}

	res, err := gw.CallTool(ctx, "span.read", mustJSON(t, params))
	require.NoError(t, err)
	first := res.(spanReadResult)
	require.Equal(t, "l1\nl2", first.Text)
	require.False(t, first.DuplicateWarning)
	require.Len(t, sess.Provenance, 1)

	res2, err := gw.CallTool(ctx, "span.read", mustJSON(t, params))
	require.NoError(t, err)
	require.True(t, res2.(spanReadResult).DuplicateWarning)
}

func TestGateway_ChunkCreateThenGet(t *testing.T) {
	gw, root := newTestGateway(t)
	path := filepath.Join(root, "big.txt")
	content := ""
	for i := 0; i < 25; i++ {
		content += "line\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ctx := context.Background()
	sess := gw.Sessions.Create("root")

	createRaw, err := json.Marshal(map[string]any{"session_id": sess.ID, "path": "big.txt", "lines_per_chunk": 10})
	require.NoError(t, err)
	res, err := gw.CallTool(ctx, "chunk.create", createRaw)
	require.NoError(t, err)
	created := res.(chunkCreateResult)
	require.Len(t, created.Chunks, 3)

	getRaw, err := json.Marshal(map[string]any{"session_id": sess.ID, "chunk_id": created.Chunks[0].ChunkID})
	require.NoError(t, err)
	getRes, err := gw.CallTool(ctx, "chunk.get", getRaw)
	require.NoError(t, err)
	require.Equal(t, proto.Span{StartLine: 1, EndLine: 10}, getRes.(chunkGetResult).Bounds.Span)
}

func TestGateway_ExternalToolsIncludesBaselineReadFile(t *testing.T) {
	gw, root := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("hello"), 0o644))

	schemas := gw.ExternalTools.Schemas()
	var found bool
	for _, s := range schemas {
		if s.Name == "read_file" {
			found = true
		}
	}
	require.True(t, found, "expected baseline read_file tool to be registered")

	payload, err := gw.ExternalTools.Dispatch(context.Background(), "read_file", mustJSON(t, map[string]string{"path": "note.txt"}))
	require.NoError(t, err)
	require.Contains(t, string(payload), "hello")
}

func TestGateway_StarlarkToolsExposesExternalToolsAlongsideBuiltins(t *testing.T) {
	gw, _ := newTestGateway(t)
	sess := gw.Sessions.Create("root")

	dict := gw.starlarkTools(sess)
	require.Contains(t, dict, "fs_list")
	require.Contains(t, dict, "search_query")
	require.Contains(t, dict, "span_read")
	require.Contains(t, dict, "read_file")
}

func TestScoreSubstring_PhraseBeatsWordStartBeatsMidWord(t *testing.T) {
	phraseScore, ok := scoreSubstring("exact match", "exact match")
	require.True(t, ok)

	wordStartScore, ok := scoreSubstring("the match begins here", "match")
	require.True(t, ok)

	midWordScore, ok := scoreSubstring("mismatched", "match")
	require.True(t, ok)

	require.Greater(t, phraseScore, wordStartScore)
	require.Greater(t, wordStartScore, midWordScore)
}
