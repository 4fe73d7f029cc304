package models

import "time"

// ControlToken authorizes a single control action (e.g. stopping the session)
type ControlToken struct {
	Token     string    // The actual token string
	SessionID string    // Session this token is valid for
	CreatedAt time.Time // When token was created
	ExpiresAt time.Time // When token expires
	ClientIP  string    // IP address that requested the token
	IsUsed    bool      // Whether token has been used
}

// IsValid checks if the token is still valid
func (t *ControlToken) IsValid() bool {
	return !t.IsUsed && time.Now().Before(t.ExpiresAt)
}

// TokenRequest represents a request to create a control token
type TokenRequest struct {
	ExpiresIn int `json:"expiresIn"` // Seconds until expiration (default from config)
}

// TokenResponse represents the response to a token request
type TokenResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}
