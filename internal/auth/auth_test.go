package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndConsume(t *testing.T) {
	m := New(time.Minute)

	token, err := m.Issue("session-1", 0, "127.0.0.1")
	require.NoError(t, err)
	assert.Len(t, token.Token, 64)
	assert.WithinDuration(t, time.Now().Add(time.Minute), token.ExpiresAt, time.Second)

	assert.ErrorIs(t, m.Consume(token.Token, "session-2"), ErrWrongSession)
	require.NoError(t, m.Consume(token.Token, "session-1"))
	assert.ErrorIs(t, m.Consume(token.Token, "session-1"), ErrTokenExpired, "single use")
	assert.ErrorIs(t, m.Consume("nope", "session-1"), ErrInvalidToken)
}

func TestExpirationIsCapped(t *testing.T) {
	m := New(time.Minute)
	token, err := m.Issue("s", 48*time.Hour, "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.ExpiresAt, time.Second)
}

func TestExpiredTokenIsRejectedAndCleaned(t *testing.T) {
	m := New(time.Minute)
	token, err := m.Issue("s", time.Nanosecond, "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	assert.ErrorIs(t, m.Consume(token.Token, "s"), ErrTokenExpired)

	m.CleanupExpiredTokens()
	assert.Zero(t, m.GetTokenCount())
}

func TestRevokeSession(t *testing.T) {
	m := New(time.Minute)
	a, err := m.Issue("a", 0, "")
	require.NoError(t, err)
	_, err = m.Issue("b", 0, "")
	require.NoError(t, err)

	m.RevokeSession("b")
	assert.Equal(t, 1, m.GetTokenCount())

	m.Revoke(a.Token)
	assert.Zero(t, m.GetTokenCount())
}

func TestRunCleanupStopsWithContext(t *testing.T) {
	m := New(time.Minute)
	_, err := m.Issue("s", time.Nanosecond, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunCleanup(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool { return m.GetTokenCount() == 0 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
