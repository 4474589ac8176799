package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rlm/internal/proto"
)

func TestSessionManager_CreateAndWith(t *testing.T) {
	m := NewSessionManager(time.Hour)
	sess := m.Create("root prompt")
	require.NotEmpty(t, sess.ID)

	result, err := m.With(sess.ID, func(s *proto.Session) (any, error) {
		return s.RootPrompt, nil
	})
	require.NoError(t, err)
	require.Equal(t, "root prompt", result)
}

func TestSessionManager_CloseRemovesSession(t *testing.T) {
	m := NewSessionManager(time.Hour)
	sess := m.Create("x")
	require.True(t, m.Close(sess.ID))
	require.False(t, m.Close(sess.ID))

	_, err := m.With(sess.ID, func(s *proto.Session) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestSessionManager_ReapIdleClosesStaleSessions(t *testing.T) {
	now := time.Now()
	m := NewSessionManager(time.Minute)
	m.now = func() time.Time { return now }
	sess := m.Create("x")

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	closed := m.ReapIdle()
	require.Equal(t, []string{sess.ID}, closed)
	require.Equal(t, 0, m.Count())
}

func TestSessionManager_UnknownSessionErrors(t *testing.T) {
	m := NewSessionManager(time.Hour)
	_, err := m.With("does-not-exist", func(s *proto.Session) (any, error) { return nil, nil })
	require.Error(t, err)
}
