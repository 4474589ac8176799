// Package router implements the sub-call router (§4.E): a concurrent server
// that accepts LMRequest values from the REPL or the broker, resolves them to
// a registered backend, meters usage against per-turn budgets, and returns a
// typed LMResponse.
package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rlm/internal/llm"
	"rlm/internal/observability"
	"rlm/internal/proto"
)

// ErrBudgetExceeded names the condition of a request that would cross its
// scope's token ceiling. The router does not return it as a Go error: such a
// request gets an LMResponse error variant with ErrorKind "BudgetExceeded".
var ErrBudgetExceeded = errors.New("router: budget exceeded")

// ErrResolutionFailure is returned when an explicit backend preference names
// a backend the registry does not recognize. Per §4.E, unresolved explicit
// names never silently fall back to the default.
var ErrResolutionFailure = errors.New("router: backend resolution failed")

// ErrNoBackends is returned by a Router constructed with an empty registry.
var ErrNoBackends = errors.New("router: no backends registered")

// Backend is a named LM completion endpoint, mirroring the source project's
// provider-factory pattern (§9 REDESIGN FLAG: "dynamic dispatch for LM
// backends").
type Backend interface {
	Name() string
	Family() string
	Complete(ctx context.Context, prompt string) (proto.ChatCompletion, error)
	SupportsStreaming() bool
}

// StreamingBackend is implemented by backends that can stream deltas; used by
// the engine's optional StreamCompletion path.
type StreamingBackend interface {
	Backend
	CompleteStream(ctx context.Context, prompt string, onDelta func(string)) (proto.ChatCompletion, error)
}

// Registry holds the set of backends a Router may dispatch to.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewRegistry constructs an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds (or replaces) a backend under its declared Name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

func (r *Registry) get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *Registry) ordered() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Budgets configures the two token ceilings a turn enforces (§4.E).
type Budgets struct {
	MaxRootTokens int
	MaxSubTokens  int
}

// scopeCounters tracks monotonic usage for one turn's scope id. Depth>1
// sub-calls each receive a fresh MaxSubTokens allocation per depth level
// (§4.E, resolved Open Question) rather than sharing one running counter, so
// counters are keyed by (scopeID, depth).
type scopeCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func newScopeCounters() *scopeCounters {
	return &scopeCounters{counts: make(map[string]int)}
}

func counterKey(scopeID string, depth int) string {
	return fmt.Sprintf("%s/%d", scopeID, depth)
}

// Router dispatches LMRequests to registered backends under budget.
type Router struct {
	Registry       *Registry
	DefaultBackend string
	Budgets        Budgets
	counters       *scopeCounters
}

// New constructs a Router. defaultBackend must name a backend already (or
// later) present in reg; it is resolved lazily at dispatch time so
// registration order doesn't matter.
func New(reg *Registry, defaultBackend string, budgets Budgets) *Router {
	return &Router{
		Registry:       reg,
		DefaultBackend: defaultBackend,
		Budgets:        budgets,
		counters:       newScopeCounters(),
	}
}

// CompleteSingle resolves req's backend, enforces the budget for its depth,
// and dispatches. Budget and resolution failures return a zero-error
// LMResponse carrying the corresponding ErrorKind rather than a Go error, per
// §7's propagation policy: these are turn-terminating conditions the engine
// is expected to observe on the response, not via err.
func (r *Router) CompleteSingle(ctx context.Context, req proto.LMRequest) (resp proto.LMResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := observability.LoggerWithTrace(ctx)
			logger.Error().Interface("panic", rec).Msg("router_worker_panic_recovered")
			resp = proto.NewErrorResponse(fmt.Sprintf("router: recovered from panic: %v", rec), "Internal")
			err = nil
		}
	}()

	backend, rerr := r.resolve(req.ModelPreferences)
	if rerr != nil {
		return proto.NewErrorResponse(rerr.Error(), "ResolutionFailure"), nil
	}

	projected := llm.EstimateTokens(req.Prompt)
	if !r.reserve(req.ScopeID, req.Depth, projected) {
		return proto.NewErrorResponse("projected tokens would exceed the per-turn budget", "BudgetExceeded"), nil
	}

	cc, cerr := backend.Complete(ctx, req.Prompt)
	if cerr != nil {
		return proto.NewErrorResponse(cerr.Error(), "BackendFailure"), nil
	}
	if cc.ModelName == "" {
		cc.ModelName = backend.Name()
	}
	return proto.NewSingleResponse(cc), nil
}

// CompleteBatched dispatches every sub-request in req.Prompts concurrently
// via errgroup, per §4.E. Each slot fails or succeeds independently; a
// backend or budget failure in one slot never cancels its siblings.
func (r *Router) CompleteBatched(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	n := len(req.Prompts)
	results := make([]proto.ChatCompletion, n)
	failures := make([]string, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range req.Prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			single := proto.LMRequest{
				ID:                fmt.Sprintf("%s/%d", req.ID, i),
				Prompt:            prompt,
				ModelPreferences:  req.ModelPreferences,
				ScopeID:           req.ScopeID,
				Depth:             req.Depth,
				CallerFingerprint: req.CallerFingerprint,
			}
			resp, err := r.CompleteSingle(gctx, single)
			if err != nil {
				failures[i] = err.Error()
				return nil
			}
			if resp.IsError() {
				failures[i] = resp.Message
				return nil
			}
			results[i] = resp.ChatCompletion
			return nil
		})
	}
	// errgroup's cancellation-on-first-error is unused here deliberately:
	// each Go func always returns nil so siblings are never cancelled.
	_ = g.Wait()

	for i := range results {
		if failures[i] != "" && results[i].Text == "" {
			results[i] = proto.ChatCompletion{Text: "error: " + failures[i]}
		}
	}
	return proto.NewBatchedResponse(results), nil
}

// StreamCompletion resolves req's backend and, for root-iteration calls whose
// backend supports streaming, invokes onChunk once per produced delta and
// once more with the final assembled text (§4.E). A backend that doesn't
// implement StreamingBackend (or reports SupportsStreaming() == false) falls
// back to a single onChunk call carrying the complete response text, so
// callers never need to special-case non-streaming backends.
func (r *Router) StreamCompletion(ctx context.Context, req proto.LMRequest, onChunk func(string)) (resp proto.LMResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := observability.LoggerWithTrace(ctx)
			logger.Error().Interface("panic", rec).Msg("router_worker_panic_recovered")
			resp = proto.NewErrorResponse(fmt.Sprintf("router: recovered from panic: %v", rec), "Internal")
			err = nil
		}
	}()

	backend, rerr := r.resolve(req.ModelPreferences)
	if rerr != nil {
		return proto.NewErrorResponse(rerr.Error(), "ResolutionFailure"), nil
	}

	projected := llm.EstimateTokens(req.Prompt)
	if !r.reserve(req.ScopeID, req.Depth, projected) {
		return proto.NewErrorResponse("projected tokens would exceed the per-turn budget", "BudgetExceeded"), nil
	}

	streamer, ok := backend.(StreamingBackend)
	if !ok || !backend.SupportsStreaming() {
		cc, cerr := backend.Complete(ctx, req.Prompt)
		if cerr != nil {
			return proto.NewErrorResponse(cerr.Error(), "BackendFailure"), nil
		}
		if onChunk != nil {
			onChunk(cc.Text)
		}
		if cc.ModelName == "" {
			cc.ModelName = backend.Name()
		}
		return proto.NewSingleResponse(cc), nil
	}

	cc, cerr := streamer.CompleteStream(ctx, req.Prompt, onChunk)
	if cerr != nil {
		return proto.NewErrorResponse(cerr.Error(), "BackendFailure"), nil
	}
	if cc.ModelName == "" {
		cc.ModelName = backend.Name()
	}
	return proto.NewSingleResponse(cc), nil
}

// resolve implements §4.E's backend-selection priority order: exact id → any
// id in candidates → first registered backend whose name/family contains the
// substring hint → default backend.
func (r *Router) resolve(prefs proto.ModelPreferences) (Backend, error) {
	exactID := firstNonEmpty(prefs.Model, prefs.ModelName, prefs.PreferredModel)
	if exactID != "" {
		if b, ok := r.Registry.get(exactID); ok {
			return b, nil
		}
		// An explicit, unresolvable name is an error, never a silent
		// fallback to the default (§4.E).
		if len(prefs.Candidates) == 0 && prefs.Contains == "" && prefs.Family == "" {
			return nil, fmt.Errorf("%w: no backend named %q", ErrResolutionFailure, exactID)
		}
	}
	for _, candidate := range prefs.Candidates {
		if b, ok := r.Registry.get(candidate); ok {
			return b, nil
		}
	}
	if prefs.Contains != "" || prefs.Family != "" {
		for _, b := range r.Registry.ordered() {
			if prefs.Family != "" && strings.EqualFold(b.Family(), prefs.Family) {
				return b, nil
			}
			if prefs.Contains != "" && (strings.Contains(b.Name(), prefs.Contains) || strings.Contains(b.Family(), prefs.Contains)) {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: no backend matches family/contains hint", ErrResolutionFailure)
	}
	if r.DefaultBackend == "" {
		return nil, fmt.Errorf("%w: no default backend configured", ErrResolutionFailure)
	}
	b, ok := r.Registry.get(r.DefaultBackend)
	if !ok {
		return nil, fmt.Errorf("%w: default backend %q is not registered", ErrResolutionFailure, r.DefaultBackend)
	}
	return b, nil
}

// reserve adds projected tokens to the running counter for (scopeID, depth)
// and reports whether the reservation stayed within budget. The ceiling is
// MaxRootTokens at depth 0 and a fresh MaxSubTokens allocation at every
// deeper depth (§4.E, §9 resolved Open Question).
func (r *Router) reserve(scopeID string, depth int, projected int) bool {
	ceiling := r.Budgets.MaxSubTokens
	if depth == 0 {
		ceiling = r.Budgets.MaxRootTokens
	}
	if ceiling <= 0 {
		return true // unlimited
	}
	key := counterKey(scopeID, depth)
	r.counters.mu.Lock()
	defer r.counters.mu.Unlock()
	next := r.counters.counts[key] + projected
	if next > ceiling {
		return false
	}
	r.counters.counts[key] = next
	return true
}

// ResetScope clears usage counters for a scope's every depth level. Called
// at turn end so counters never leak across turns.
func (r *Router) ResetScope(scopeID string) {
	r.counters.mu.Lock()
	defer r.counters.mu.Unlock()
	prefix := scopeID + "/"
	for k := range r.counters.counts {
		if strings.HasPrefix(k, prefix) {
			delete(r.counters.counts, k)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// defaultIdleTimeout bounds how long a connection may sit between frames
// before Server closes it, matching §5's "socket reads bounded by connection
// timeout".
const defaultIdleTimeout = 30 * time.Second

// Server exposes a Router over the §4.A socket framing (a 4-byte big-endian
// length prefix followed by a JSON LMRequest/LMResponse) on a host-loopback
// TCP listener. Per §4.E/§5, the router is a long-lived server: each
// accepted connection is served by its own goroutine for as long as the peer
// keeps it open, one request/response round trip at a time, so a single REPL
// or broker poller can issue many sequential calls without redialing.
type Server struct {
	Router      *Router
	IdleTimeout time.Duration
}

// NewServer constructs a Server fronting router. idleTimeout bounds
// per-connection inactivity before the server closes it; zero selects
// defaultIdleTimeout.
func NewServer(router *Router, idleTimeout time.Duration) *Server {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Server{Router: router, IdleTimeout: idleTimeout}
}

// Serve accepts connections on ln until ctx is cancelled or Accept returns a
// non-transient error. It blocks until the listener closes; callers typically
// run it in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	logger := observability.LoggerWithTrace(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("router: accept: %w", err)
		}
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("router_conn_accepted")
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves frames off one connection until the peer closes it, the
// idle timeout fires, or a write fails. Per §4.E, an unexpected per-connection
// panic is recovered here so the worker dies cleanly without taking down the
// listener.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := observability.LoggerWithTrace(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("router_conn_panic_recovered")
		}
		_ = conn.Close()
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		if err := conn.SetDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
			return
		}
		var req proto.LMRequest
		if err := proto.ReadFrame(rw.Reader, &req); err != nil {
			if err != io.EOF {
				logger.Warn().Err(err).Msg("router_conn_read_failed")
			}
			return
		}

		var resp proto.LMResponse
		var err error
		if req.IsBatched {
			resp, err = s.Router.CompleteBatched(ctx, req)
		} else {
			resp, err = s.Router.CompleteSingle(ctx, req)
		}
		if err != nil {
			resp = proto.NewErrorResponse(err.Error(), "Internal")
		}

		if err := proto.WriteFrame(rw.Writer, resp); err != nil {
			logger.Warn().Err(err).Msg("router_conn_write_failed")
			return
		}
		if err := rw.Writer.Flush(); err != nil {
			logger.Warn().Err(err).Msg("router_conn_flush_failed")
			return
		}
	}
}
