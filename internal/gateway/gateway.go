// Package gateway implements the retrieval-tool gateway (§4.G): a
// request/response server exposing filesystem, search, span/chunk, and
// completion tools to external editor integrations, with per-session
// provenance tracking and a path-restricted view of one or more allowed
// roots.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"rlm/internal/config"
	"rlm/internal/engine"
	"rlm/internal/mcpclient"
	"rlm/internal/observability"
	"rlm/internal/proto"
	"rlm/internal/repl"
	"rlm/internal/tools"
	toolsfs "rlm/internal/tools/fs"
)

// Gateway wires a SessionManager, a PathValidator, and an engine factory
// into the 12-tool registry dispatched by the JSON-RPC surface in server.go.
type Gateway struct {
	Sessions *SessionManager
	Paths    *PathValidator

	// Router is the sub-call router every session's recursion engine talks
	// to; it is shared across sessions the same way §5 describes the
	// router as a long-lived, concurrency-safe server.
	Router repl.RouterClient

	// EngineModel, MaxIterations, WorkspaceRoot parameterize every session's
	// engine.Engine the same way cmd/rlmd configures the root CLI's.
	EngineModel   string
	MaxIterations int
	WorkspaceRoot string

	// ExternalTools holds any tools proxied in from configured external MCP
	// servers (plus a baseline read_file tool), so a `complete` turn's
	// Starlark namespace can call them the same way it calls the gateway's
	// own fs/search/span builtins. See mcpClient.
	ExternalTools tools.Registry
	mcpClient     *mcpclient.Manager

	tools map[string]ToolSpec
	order []string
}

// New constructs a Gateway over the given allowed roots and router.
func New(roots []string, router repl.RouterClient) (*Gateway, error) {
	pv, err := NewPathValidator(roots)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		Sessions: NewSessionManager(0),
		Paths:    pv,
		Router:   router,
	}
	if len(roots) > 0 {
		g.WorkspaceRoot = roots[0]
	}
	g.tools = make(map[string]ToolSpec)
	for _, spec := range toolRegistry() {
		g.tools[spec.Name] = spec
		g.order = append(g.order, spec.Name)
	}

	reg := tools.NewRecordingRegistry(tools.NewRegistry(), g.logExternalDispatch)
	reg.Register(toolsfs.NewReadTool(g.WorkspaceRoot))
	g.ExternalTools = reg
	g.mcpClient = mcpclient.NewManager()

	return g, nil
}

// ConnectExternalTools dials every MCP server named in cfg and registers its
// advertised tools into g.ExternalTools, so they become reachable from a
// `complete` turn's Starlark namespace alongside the gateway's own tools. A
// server that fails to connect is skipped (mcpclient.RegisterFromConfig's
// policy) rather than aborting the whole gateway's startup.
func (g *Gateway) ConnectExternalTools(ctx context.Context, cfg config.MCPConfig) error {
	return g.mcpClient.RegisterFromConfig(ctx, g.ExternalTools, cfg)
}

// Close releases resources the gateway holds outside its sessions and
// in-memory tool registry: open external MCP client connections.
func (g *Gateway) Close() {
	g.mcpClient.Close()
}

func (g *Gateway) logExternalDispatch(ev tools.DispatchEvent) {
	logger := observability.LoggerWithTrace(context.Background())
	if ev.Err != nil {
		logger.Warn().Str("tool", ev.Name).Err(ev.Err).Msg("external_tool_dispatch_failed")
		return
	}
	logger.Debug().Str("tool", ev.Name).Msg("external_tool_dispatch")
}

// ToolNames returns the 12 published tool names in their canonical order.
func (g *Gateway) ToolNames() []string { return append([]string(nil), g.order...) }

// rootFor reports which configured root full falls under, for computing a
// display-friendly relative path; ok is false if full matches none (which
// should not happen for a path that already passed PathValidator.Resolve).
func (g *Gateway) rootFor(full string) (string, bool) {
	for _, root := range g.Paths.Roots() {
		if isWithin(root, full) {
			return root, true
		}
	}
	return "", false
}

// CallTool dispatches name with raw arguments, routing session.create and
// session.close directly and every other tool through the session manager's
// per-session lock.
func (g *Gateway) CallTool(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	spec, ok := g.tools[name]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown tool %q", name)
	}
	logger := observability.LoggerWithTrace(ctx)
	logger.Debug().Str("tool", name).Msg("gateway_tool_call")

	if !spec.SessionScoped {
		return spec.Handler(g, nil, raw)
	}

	var sessionRef struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &sessionRef); err != nil {
		return nil, fmt.Errorf("gateway: %s: %w", name, err)
	}
	return g.Sessions.With(sessionRef.SessionID, func(sess *proto.Session) (any, error) {
		return spec.Handler(g, sess, raw)
	})
}

// runComplete builds a fresh REPL namespace with this session's retrieval
// tools exposed as Starlark builtins and runs the recursion engine's turn.
func (g *Gateway) runComplete(sess *proto.Session) (engine.Result, error) {
	e := &engine.Engine{
		Router:        g.Router,
		MaxIterations: g.MaxIterations,
		WorkspaceRoot: g.WorkspaceRoot,
		Model:         g.EngineModel,
	}
	// CustomToolNames is left unset so the engine advertises whatever
	// starlarkTools actually built for this session — the three fixed
	// retrieval builtins plus any tool proxied in from a connected external
	// MCP server.
	customTools := g.starlarkTools(sess)
	return e.Run(context.Background(), sess, starlark.String(sess.ID), customTools)
}

// starlarkTools exposes a subset of the tool registry as Starlark builtins
// so code the LM writes inside a `complete` turn can call back into the same
// filesystem/search tools an external editor would use directly, per §4.G's
// note that the gateway "wraps the same F/E/C stack and additionally exposes
// auxiliary tools."
func (g *Gateway) starlarkTools(sess *proto.Session) starlark.StringDict {
	wrap := func(name string, handler ToolHandler) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var argsJSON starlark.String
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "args_json", &argsJSON); err != nil {
				return nil, err
			}
			result, err := handler(g, sess, json.RawMessage(argsJSON.GoString()))
			if err != nil {
				return nil, err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return nil, err
			}
			return starlark.String(out), nil
		})
	}
	dict := starlark.StringDict{
		"fs_list":      wrap("fs_list", toolFSList),
		"search_query": wrap("search_query", toolSearchQuery),
		"span_read":    wrap("span_read", toolSpanRead),
	}
	for _, schema := range g.ExternalTools.Schemas() {
		name := schema.Name
		dict[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var argsJSON starlark.String
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "args_json", &argsJSON); err != nil {
				return nil, err
			}
			payload, err := g.ExternalTools.Dispatch(context.Background(), name, json.RawMessage(argsJSON.GoString()))
			if err != nil {
				return nil, err
			}
			return starlark.String(payload), nil
		})
	}
	return dict
}
