package llm

import (
	"context"
	"fmt"
	"strings"

	"rlm/internal/proto"
)

// LocalBackend is a minimal in-process completion backend with no outbound
// network dependency. It exists for local development and for the test
// suite's default backend registration: deterministic, fast, and free.
//
// It satisfies router.Backend structurally (Name/Family/Complete/
// SupportsStreaming) without importing the router package, avoiding an
// import cycle between llm (which the router depends on for token
// estimation) and router itself.
type LocalBackend struct {
	BackendName   string
	BackendFamily string
	// Echo, when true, returns the prompt verbatim prefixed by a marker.
	// When false, Reply is returned for every call; an empty Reply falls
	// back to the echo.
	Echo  bool
	Reply string
}

// NewLocalBackend constructs a deterministic local backend under name.
func NewLocalBackend(name string) *LocalBackend {
	return &LocalBackend{BackendName: name, BackendFamily: "local", Echo: true}
}

func (b *LocalBackend) Name() string   { return b.BackendName }
func (b *LocalBackend) Family() string { return b.BackendFamily }

func (b *LocalBackend) SupportsStreaming() bool { return true }

// Complete implements a trivial completion: either an echo of the prompt or
// a fixed reply, with a token estimate derived the same way the engine
// estimates conversation size (EstimateTokens).
func (b *LocalBackend) Complete(ctx context.Context, prompt string) (proto.ChatCompletion, error) {
	select {
	case <-ctx.Done():
		return proto.ChatCompletion{}, ctx.Err()
	default:
	}
	text := b.Reply
	if b.Echo || text == "" {
		text = fmt.Sprintf("[local:%s] %s", b.BackendName, strings.TrimSpace(prompt))
	}
	return proto.ChatCompletion{
		Text:      text,
		ModelName: b.BackendName,
		Usage: proto.Usage{
			PromptTokens:     EstimateTokens(prompt),
			CompletionTokens: EstimateTokens(text),
		},
	}, nil
}

// CompleteStream implements router.StreamingBackend by emitting the whole
// response as a single delta; the local backend has no incremental token
// stream to forward.
func (b *LocalBackend) CompleteStream(ctx context.Context, prompt string, onDelta func(string)) (proto.ChatCompletion, error) {
	cc, err := b.Complete(ctx, prompt)
	if err != nil {
		return cc, err
	}
	if onDelta != nil {
		onDelta(cc.Text)
	}
	return cc, nil
}
