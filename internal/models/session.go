package models

import "time"

// Session is the server's proof of a logged-in user: an access token, the
// refresh token that can replace it, and both expiry horizons.
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	UserID           int64     `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Expired reports whether the access token has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || now.After(s.ExpiresAt)
}

// RefreshExpired reports whether the refresh token is also spent.
func (s *Session) RefreshExpired(now time.Time) bool {
	return s == nil || now.After(s.RefreshExpiresAt)
}
