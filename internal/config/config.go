// Package config loads RLM runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// BackendConfig describes one LM backend resolvable by name.
type BackendConfig struct {
	Name    string
	Family  string
	BaseURL string
	APIKey  string
}

// ObsConfig configures the OpenTelemetry tracer/meter providers.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// MCPServerConfig describes a single external MCP server the gateway may
// register tools from.
type MCPServerConfig struct {
	Name             string
	Command          string
	Args             []string
	Env              map[string]string
	URL              string
	KeepAliveSeconds int
	Headers          map[string]string
	BearerToken      string
	Origin           string
	ProtocolVersion  string
	// OAuthClientID/Secret/TokenURL, when all set, mint the bearer token via
	// an OAuth2 client-credentials grant instead of using a static
	// BearerToken — for external MCP servers that require one.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
	HTTP              struct {
		ProxyURL       string
		TimeoutSeconds int
		TLS            struct {
			InsecureSkipVerify bool
		}
	}
}

// MCPConfig is the set of external MCP servers to connect to at startup.
type MCPConfig struct {
	Servers []MCPServerConfig
}

// Config is the fully resolved runtime configuration for the rlmd binary.
type Config struct {
	Backends                  []BackendConfig
	DefaultBackend            string
	AllowedRoots              []string
	SandboxMode               string
	MaxRootTokens             int
	MaxSubTokens              int
	MaxIterations             int
	ExecTimeoutSeconds        int
	CompactionThresholdTokens int
	OIDCIssuer                string
	BearerToken               string
	LogPath                   string
	LogLevel                  string
	MCP                       MCPConfig
	Obs                       ObsConfig
}

// Load reads RLM_* environment variables (and an optional .env file) into a
// Config, applying defaults where the distilled spec allows one.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		DefaultBackend:            strings.TrimSpace(os.Getenv("RLM_DEFAULT_BACKEND")),
		SandboxMode:               firstNonEmpty(strings.TrimSpace(os.Getenv("RLM_SANDBOX_MODE")), "repl"),
		MaxRootTokens:             intFromEnv("RLM_MAX_ROOT_TOKENS", 32000),
		MaxSubTokens:              intFromEnv("RLM_MAX_SUB_TOKENS", 8000),
		MaxIterations:             intFromEnv("RLM_MAX_ITERATIONS", 20),
		ExecTimeoutSeconds:        intFromEnv("RLM_EXEC_TIMEOUT_SECONDS", 30),
		CompactionThresholdTokens: intFromEnv("RLM_COMPACTION_THRESHOLD_TOKENS", 24000),
		OIDCIssuer:                strings.TrimSpace(os.Getenv("RLM_OIDC_ISSUER")),
		BearerToken:               strings.TrimSpace(os.Getenv("RLM_BEARER_TOKEN")),
		LogPath:                   strings.TrimSpace(os.Getenv("LOG_PATH")),
		LogLevel:                  firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
	}

	if raw := strings.TrimSpace(os.Getenv("RLM_ALLOWED_ROOTS")); raw != "" {
		for _, p := range strings.Split(raw, ":") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.AllowedRoots = append(cfg.AllowedRoots, p)
			}
		}
	}

	names := strings.TrimSpace(os.Getenv("RLM_BACKENDS"))
	if names != "" {
		for _, spec := range strings.Split(names, ",") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			name, family, _ := strings.Cut(spec, ":")
			name = strings.TrimSpace(name)
			family = strings.TrimSpace(family)
			env := envKeyName(name)
			bc := BackendConfig{
				Name:    name,
				Family:  family,
				BaseURL: strings.TrimSpace(os.Getenv("RLM_BACKEND_" + env + "_BASE_URL")),
				APIKey:  strings.TrimSpace(os.Getenv("RLM_BACKEND_" + env + "_API_KEY")),
			}
			cfg.Backends = append(cfg.Backends, bc)
		}
	}

	if cfg.DefaultBackend == "" && len(cfg.Backends) > 0 {
		cfg.DefaultBackend = cfg.Backends[0].Name
	}

	mcpNames := strings.TrimSpace(os.Getenv("RLM_MCP_SERVERS"))
	if mcpNames != "" {
		for _, name := range strings.Split(mcpNames, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.MCP.Servers = append(cfg.MCP.Servers, mcpServerFromEnv(name))
		}
	}

	cfg.Obs = ObsConfig{
		OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:    firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "rlmd"),
		ServiceVersion: firstNonEmpty(strings.TrimSpace(os.Getenv("RLM_SERVICE_VERSION")), "dev"),
		Environment:    firstNonEmpty(strings.TrimSpace(os.Getenv("RLM_ENVIRONMENT")), "development"),
	}

	if cfg.SandboxMode != "strict" && cfg.SandboxMode != "repl" {
		return Config{}, fmt.Errorf("config: RLM_SANDBOX_MODE must be strict or repl, got %q", cfg.SandboxMode)
	}

	return cfg, nil
}

// mcpServerFromEnv resolves one MCPServerConfig from the per-server env vars
// namespaced under RLM_MCP_<NAME>_*, name upper-cased/sanitized the same way
// backend names are (envKeyName).
func mcpServerFromEnv(name string) MCPServerConfig {
	env := envKeyName(name)
	prefix := "RLM_MCP_" + env + "_"

	srv := MCPServerConfig{
		Name:              name,
		Command:           strings.TrimSpace(os.Getenv(prefix + "COMMAND")),
		URL:               strings.TrimSpace(os.Getenv(prefix + "URL")),
		BearerToken:       strings.TrimSpace(os.Getenv(prefix + "BEARER_TOKEN")),
		Origin:            strings.TrimSpace(os.Getenv(prefix + "ORIGIN")),
		ProtocolVersion:   strings.TrimSpace(os.Getenv(prefix + "PROTOCOL_VERSION")),
		KeepAliveSeconds:  intFromEnv(prefix+"KEEPALIVE_SECONDS", 0),
		OAuthClientID:     strings.TrimSpace(os.Getenv(prefix + "OAUTH_CLIENT_ID")),
		OAuthClientSecret: strings.TrimSpace(os.Getenv(prefix + "OAUTH_CLIENT_SECRET")),
		OAuthTokenURL:     strings.TrimSpace(os.Getenv(prefix + "OAUTH_TOKEN_URL")),
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "ARGS")); raw != "" {
		for _, a := range strings.Split(raw, " ") {
			if a != "" {
				srv.Args = append(srv.Args, a)
			}
		}
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "OAUTH_SCOPES")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				srv.OAuthScopes = append(srv.OAuthScopes, s)
			}
		}
	}
	srv.HTTP.TimeoutSeconds = intFromEnv(prefix+"TIMEOUT_SECONDS", 0)
	return srv
}

// envKeyName upper-cases and replaces non-alphanumeric characters with
// underscores so a backend name maps onto a predictable env var segment.
func envKeyName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil {
		return def
	}
	return n
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
