package config

import (
	"os"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b"); got != "b" {
		t.Fatalf("expected b, got %q", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestParseInt(t *testing.T) {
	n, err := parseInt(" 42 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
	if _, err := parseInt("not-a-number"); err == nil {
		t.Fatalf("expected error for non-numeric input")
	}
}

func TestIntFromEnv(t *testing.T) {
	const key = "RLM_TEST_INT_FROM_ENV"
	os.Unsetenv(key)
	if got := intFromEnv(key, 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	t.Setenv(key, "99")
	if got := intFromEnv(key, 7); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
	t.Setenv(key, "garbage")
	if got := intFromEnv(key, 7); got != 7 {
		t.Fatalf("expected fallback to default on bad value, got %d", got)
	}
}

func TestEnvKeyName(t *testing.T) {
	if got := envKeyName("gpt-4.1-mini"); got != "GPT_4_1_MINI" {
		t.Fatalf("unexpected env key name: %q", got)
	}
}

func TestLoad_DefaultsAndBackendParsing(t *testing.T) {
	t.Setenv("RLM_BACKENDS", "local:mock,gpt-4.1:openai")
	t.Setenv("RLM_BACKEND_LOCAL_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("RLM_BACKEND_GPT_4_1_API_KEY", "sk-test")
	t.Setenv("RLM_DEFAULT_BACKEND", "local")
	t.Setenv("RLM_ALLOWED_ROOTS", "/tmp/a:/tmp/b")
	t.Setenv("RLM_SANDBOX_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SandboxMode != "repl" {
		t.Fatalf("expected default sandbox mode repl, got %q", cfg.SandboxMode)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.Backends))
	}
	if cfg.Backends[0].BaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("unexpected base url: %q", cfg.Backends[0].BaseURL)
	}
	if cfg.Backends[1].APIKey != "sk-test" {
		t.Fatalf("unexpected api key: %q", cfg.Backends[1].APIKey)
	}
	if len(cfg.AllowedRoots) != 2 || cfg.AllowedRoots[0] != "/tmp/a" {
		t.Fatalf("unexpected allowed roots: %#v", cfg.AllowedRoots)
	}
	if cfg.DefaultBackend != "local" {
		t.Fatalf("expected default backend local, got %q", cfg.DefaultBackend)
	}
}

func TestLoad_RejectsUnknownSandboxMode(t *testing.T) {
	t.Setenv("RLM_SANDBOX_MODE", "yolo")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid sandbox mode")
	}
}

func TestLoad_ParsesMCPServers(t *testing.T) {
	t.Setenv("RLM_MCP_SERVERS", "docs, search")
	t.Setenv("RLM_MCP_DOCS_URL", "https://docs.example.com/mcp")
	t.Setenv("RLM_MCP_DOCS_BEARER_TOKEN", "static-token")
	t.Setenv("RLM_MCP_SEARCH_COMMAND", "mcp-search")
	t.Setenv("RLM_MCP_SEARCH_ARGS", "--mode fast")
	t.Setenv("RLM_MCP_SEARCH_OAUTH_CLIENT_ID", "client-id")
	t.Setenv("RLM_MCP_SEARCH_OAUTH_CLIENT_SECRET", "client-secret")
	t.Setenv("RLM_MCP_SEARCH_OAUTH_TOKEN_URL", "https://idp.example.com/token")
	t.Setenv("RLM_MCP_SEARCH_OAUTH_SCOPES", "read, write")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("expected 2 MCP servers, got %d", len(cfg.MCP.Servers))
	}

	docs := cfg.MCP.Servers[0]
	if docs.Name != "docs" || docs.URL != "https://docs.example.com/mcp" || docs.BearerToken != "static-token" {
		t.Fatalf("unexpected docs server config: %#v", docs)
	}

	search := cfg.MCP.Servers[1]
	if search.Name != "search" || search.Command != "mcp-search" {
		t.Fatalf("unexpected search server config: %#v", search)
	}
	if len(search.Args) != 2 || search.Args[0] != "--mode" || search.Args[1] != "fast" {
		t.Fatalf("unexpected search args: %#v", search.Args)
	}
	if search.OAuthClientID != "client-id" || search.OAuthClientSecret != "client-secret" || search.OAuthTokenURL != "https://idp.example.com/token" {
		t.Fatalf("unexpected search oauth config: %#v", search)
	}
	if len(search.OAuthScopes) != 2 || search.OAuthScopes[0] != "read" || search.OAuthScopes[1] != "write" {
		t.Fatalf("unexpected search oauth scopes: %#v", search.OAuthScopes)
	}
}
