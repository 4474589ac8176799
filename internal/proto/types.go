// Package proto defines the wire-level request/response types shared by the
// sub-call router, the REPL environment, and the isolated-env broker, plus
// the length-prefixed JSON codec used to move them across a socket.
package proto

import (
	"encoding/json"
	"fmt"
)

// ModelPreferences is the structured backend-selection hint carried on a
// LMRequest. The router resolves it in the order documented on Router.Resolve.
type ModelPreferences struct {
	Model          string   `json:"model,omitempty"`
	ModelName      string   `json:"model_name,omitempty"`
	PreferredModel string   `json:"preferred_model,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
	Contains       string   `json:"contains,omitempty"`
	Family         string   `json:"family,omitempty"`
}

// LMRequest is produced by the REPL environment or the broker and consumed
// by the sub-call router.
type LMRequest struct {
	ID                string           `json:"id"`
	Prompt            string           `json:"prompt,omitempty"`
	Prompts           []string         `json:"prompts,omitempty"`
	IsBatched         bool             `json:"is_batched"`
	ModelPreferences  ModelPreferences `json:"model_preferences,omitempty"`
	ScopeID           string           `json:"scope_id"`
	Depth             int              `json:"depth"`
	CallerFingerprint string           `json:"caller_fingerprint,omitempty"`
}

// Usage mirrors the prompt/completion token counters a backend reports.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletion is a single backend response.
type ChatCompletion struct {
	Text      string `json:"text"`
	Usage     Usage  `json:"usage"`
	ModelName string `json:"model_name"`
}

// responseKind discriminates the three LMResponse variants; it is not
// serialized directly, but inferred from which wire field is present.
type responseKind int

const (
	kindUnset responseKind = iota
	kindSingle
	kindBatched
	kindError
)

// LMResponse is the sum type returned by the router: exactly one of
// ChatCompletion, ChatCompletions, or Message (error) is populated. An empty
// (but present) ChatCompletions slice is the batched variant with zero
// results, not an error — wireResponse below preserves that distinction
// across JSON round-trips.
type LMResponse struct {
	kind            responseKind
	ChatCompletion  ChatCompletion
	ChatCompletions []ChatCompletion
	Message         string
	ErrorKind       string
}

// NewSingleResponse builds the "single" variant.
func NewSingleResponse(cc ChatCompletion) LMResponse {
	return LMResponse{kind: kindSingle, ChatCompletion: cc}
}

// NewBatchedResponse builds the "batched" variant. A nil slice is normalized
// to an empty, non-nil slice so the wire form always carries the key.
func NewBatchedResponse(ccs []ChatCompletion) LMResponse {
	if ccs == nil {
		ccs = []ChatCompletion{}
	}
	return LMResponse{kind: kindBatched, ChatCompletions: ccs}
}

// NewErrorResponse builds the "error" variant. errorKind should be one of the
// taxonomy names in package router (BudgetExceeded, ResolutionFailure, ...);
// it is carried as a plain string so this package stays free of an import
// cycle with router.
func NewErrorResponse(message, errorKind string) LMResponse {
	return LMResponse{kind: kindError, Message: message, ErrorKind: errorKind}
}

// IsSingle, IsBatched, IsError report the constructed variant.
func (r LMResponse) IsSingle() bool  { return r.kind == kindSingle }
func (r LMResponse) IsBatched() bool { return r.kind == kindBatched }
func (r LMResponse) IsError() bool   { return r.kind == kindError }

// Validate enforces the "exactly one variant" invariant. Construction through
// the New* helpers above always satisfies it; Validate exists for values that
// arrive over the wire via UnmarshalJSON.
func (r LMResponse) Validate() error {
	if r.kind == kindUnset {
		return fmt.Errorf("proto: LMResponse constructed with no variant set")
	}
	return nil
}

// wireResponse is the JSON shape of LMResponse. ChatCompletions uses a
// pointer so an explicitly-empty array (non-nil, zero-length) is
// distinguishable from an absent key after unmarshaling.
type wireResponse struct {
	ChatCompletion  *ChatCompletion  `json:"chat_completion,omitempty"`
	ChatCompletions *[]ChatCompletion `json:"chat_completions,omitempty"`
	Message         *string          `json:"message,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
}

// MarshalJSON implements json.Marshaler, emitting exactly the populated
// variant's key.
func (r LMResponse) MarshalJSON() ([]byte, error) {
	var w wireResponse
	switch r.kind {
	case kindSingle:
		w.ChatCompletion = &r.ChatCompletion
	case kindBatched:
		ccs := r.ChatCompletions
		if ccs == nil {
			ccs = []ChatCompletion{}
		}
		w.ChatCompletions = &ccs
	case kindError:
		msg := r.Message
		w.Message = &msg
		w.ErrorKind = r.ErrorKind
	default:
		return nil, fmt.Errorf("proto: cannot marshal LMResponse with no variant set")
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, inferring the variant from which
// key is present rather than from truthiness.
func (r *LMResponse) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.ChatCompletion != nil:
		*r = NewSingleResponse(*w.ChatCompletion)
	case w.ChatCompletions != nil:
		*r = NewBatchedResponse(*w.ChatCompletions)
	case w.Message != nil:
		*r = NewErrorResponse(*w.Message, w.ErrorKind)
	default:
		return fmt.Errorf("proto: LMResponse JSON carries no recognized variant")
	}
	return nil
}
