package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalBackend_EchoesPrompt(t *testing.T) {
	b := NewLocalBackend("local")
	cc, err := b.Complete(context.Background(), "hello there")
	require.NoError(t, err)
	require.Contains(t, cc.Text, "hello there")
	require.Equal(t, "local", cc.ModelName)
	require.Greater(t, cc.Usage.PromptTokens, 0)
}

func TestLocalBackend_FixedReply(t *testing.T) {
	b := &LocalBackend{BackendName: "fixed", BackendFamily: "local", Reply: "always this"}
	cc, err := b.Complete(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, "always this", cc.Text)
}

func TestLocalBackend_CompleteStreamEmitsSingleDelta(t *testing.T) {
	b := NewLocalBackend("local")
	var got string
	cc, err := b.CompleteStream(context.Background(), "stream me", func(delta string) { got += delta })
	require.NoError(t, err)
	require.Equal(t, cc.Text, got)
}
