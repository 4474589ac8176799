// Package broker implements the isolated-env broker (§4.D): an in-sandbox
// HTTP queue server that bridges llm_query calls across a sandbox boundary
// to the host, plus the host-side poller that drains it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rlm/internal/observability"
	"rlm/internal/proto"
)

// pendingEntry is one queued request awaiting a host-side response.
type pendingEntry struct {
	request proto.LMRequest
	resCh   chan proto.LMResponse
}

// Broker is the in-sandbox queue server. It implements repl.RouterClient so
// a REPL environment running inside the sandbox can use it as a drop-in
// router when no direct socket to the host is available.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	order   []string
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{pending: make(map[string]*pendingEntry)}
}

// CompleteSingle enqueues req and blocks until a matching response is posted
// via Respond, or ctx is done.
func (b *Broker) CompleteSingle(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	return b.enqueueAndWait(ctx, req)
}

// CompleteBatched enqueues a batched req and blocks the same way.
func (b *Broker) CompleteBatched(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	return b.enqueueAndWait(ctx, req)
}

func (b *Broker) enqueueAndWait(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	entry := &pendingEntry{request: req, resCh: make(chan proto.LMResponse, 1)}

	b.mu.Lock()
	b.pending[req.ID] = entry
	b.order = append(b.order, req.ID)
	b.mu.Unlock()

	select {
	case resp := <-entry.resCh:
		return resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return proto.LMResponse{}, ctx.Err()
	}
}

// Respond unblocks the CompleteSingle/CompleteBatched call waiting on id.
func (b *Broker) Respond(id string, resp proto.LMResponse) error {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		for i, pid := range b.order {
			if pid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: no pending request with id %q", id)
	}
	entry.resCh <- resp
	return nil
}

// pendingItem is the wire shape GET /pending returns.
type pendingItem struct {
	ID      string          `json:"id"`
	Request proto.LMRequest `json:"request"`
}

// Pending returns the ordered list of currently queued requests. Safe to
// call repeatedly (idempotent) — it does not remove entries.
func (b *Broker) Pending() []pendingItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pendingItem, 0, len(b.order))
	for _, id := range b.order {
		if entry, ok := b.pending[id]; ok {
			out = append(out, pendingItem{ID: id, Request: entry.request})
		}
	}
	return out
}

// Handler returns an http.Handler exposing the four broker endpoints of
// §4.D: POST /enqueue, GET /pending, POST /respond, GET /health.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", b.handleEnqueue)
	mux.HandleFunc("GET /pending", b.handlePending)
	mux.HandleFunc("POST /respond", b.handleRespond)
	mux.HandleFunc("GET /health", b.handleHealth)
	return mux
}

func (b *Broker) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerWithTrace(r.Context())
	var req proto.LMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	logger.Debug().RawJSON("request", observability.RedactJSON(mustMarshal(req))).Msg("broker_enqueue")

	resp, err := b.CompleteSingle(r.Context(), req)
	if err != nil {
		resp = proto.NewErrorResponse(err.Error(), "TransientTransport")
	}
	writeJSON(w, resp)
}

func (b *Broker) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Pending())
}

func (b *Broker) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string           `json:"id"`
		Response proto.LMResponse `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := b.Respond(body.ID, body.Response); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "token": uuid.NewString()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("broker_write_response_failed")
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
