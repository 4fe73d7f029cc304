package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"screenrelay/pkg/models"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired or already used")
	ErrWrongSession = errors.New("auth: token not valid for this session")
)

// Manager issues single-use control tokens for the host API
type Manager struct {
	tokens map[string]*models.ControlToken // token -> ControlToken
	mu     sync.Mutex

	defaultExpiration time.Duration
	maxExpiration     time.Duration
}

// New creates a token manager. Tokens default to defaultTTL and are capped
// at 24h.
func New(defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Manager{
		tokens:            make(map[string]*models.ControlToken),
		defaultExpiration: defaultTTL,
		maxExpiration:     24 * time.Hour,
	}
}

// Issue creates a token for a session. expiresIn <= 0 selects the default.
func (m *Manager) Issue(sessionID string, expiresIn time.Duration, clientIP string) (*models.ControlToken, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	expiration := expiresIn
	if expiration <= 0 {
		expiration = m.defaultExpiration
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := time.Now()
	token := &models.ControlToken{
		Token:     hex.EncodeToString(tokenBytes),
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(expiration),
		ClientIP:  clientIP,
	}

	m.mu.Lock()
	m.tokens[token.Token] = token
	m.mu.Unlock()

	return token, nil
}

// Consume validates a token for a session and marks it used
func (m *Manager) Consume(tokenString, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValid() {
		return ErrTokenExpired
	}
	if token.SessionID != sessionID {
		return ErrWrongSession
	}

	token.IsUsed = true
	return nil
}

// Revoke removes a token
func (m *Manager) Revoke(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// RevokeSession removes every token issued for a session
func (m *Manager) RevokeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tokenString, token := range m.tokens {
		if token.SessionID == sessionID {
			delete(m.tokens, tokenString)
		}
	}
}

// CleanupExpiredTokens removes expired and used tokens
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tokenString, token := range m.tokens {
		if !token.IsValid() {
			delete(m.tokens, tokenString)
		}
	}
}

// RunCleanup calls CleanupExpiredTokens every interval until ctx is done
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupExpiredTokens()
		}
	}
}

// GetTokenCount returns the number of stored tokens
func (m *Manager) GetTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
