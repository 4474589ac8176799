package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw, _ := newTestGateway(t)
	auth, err := NewAuthenticator(context.Background(), "", "", "")
	require.NoError(t, err)
	return NewServer(gw, auth)
}

func TestServer_ToolsListIncludesAllTwelve(t *testing.T) {
	s := newTestServer(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.HTTPHandler("https://gw.local", "https://idp.local").ServeHTTP(w, req)

	var resp struct {
		Result struct {
			Tools []toolListEntry `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Result.Tools, 12)
}

func TestServer_SessionCreateThenToolsCall(t *testing.T) {
	s := newTestServer(t)
	handler := s.HTTPHandler("https://gw.local", "https://idp.local")

	createBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"session.create","arguments":{"root_prompt":"hi"}}}`
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewBufferString(createBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp struct {
		Result struct {
			StructuredContent sessionCreateResult `json:"structuredContent"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Result.StructuredContent.SessionID)
}

func TestServer_AnonymousAccessWhenNoAuthConfigured(t *testing.T) {
	s := newTestServer(t)
	handler := s.HTTPHandler("https://gw.local", "https://idp.local")

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestServer_StaticBearerRejectsMissingToken(t *testing.T) {
	gw, _ := newTestGateway(t)
	auth, err := NewAuthenticator(context.Background(), "", "", "super-secret")
	require.NoError(t, err)
	s := NewServer(gw, auth)
	handler := s.HTTPHandler("https://gw.local", "https://idp.local")

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 401, w.Code)
}

func TestServer_StaticBearerAcceptsValidToken(t *testing.T) {
	gw, _ := newTestGateway(t)
	auth, err := NewAuthenticator(context.Background(), "", "", "super-secret")
	require.NoError(t, err)
	s := NewServer(gw, auth)
	handler := s.HTTPHandler("https://gw.local", "https://idp.local")

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`
	req := httptest.NewRequest("POST", "/mcp/messages", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer super-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestServer_ResourceMetadataEndpointsReachableWithoutToken(t *testing.T) {
	gw, _ := newTestGateway(t)
	auth, err := NewAuthenticator(context.Background(), "", "", "super-secret")
	require.NoError(t, err)
	s := NewServer(gw, auth)
	handler := s.HTTPHandler("https://gw.local", "https://idp.local")

	req := httptest.NewRequest("GET", "/.well-known/oauth-protected-resource", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestServer_ServeStdioRoundTrips(t *testing.T) {
	s := newTestServer(t)
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, s.ServeStdio(context.Background(), in, &out))

	var resp map[string]any
	require.NoError(t, json.NewDecoder(&out).Decode(&resp))
	require.NotContains(t, resp, "error")
}

