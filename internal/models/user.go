package models

import "time"

// User is an account holder. Metadata carries free-form profile fields
// (name, avatar, role) that the dashboard edits without schema changes.
type User struct {
	ID              int64             `json:"id"`
	Email           string            `json:"email"`
	PasswordHash    string            `json:"-"`
	EmailVerifiedAt *time.Time        `json:"email_verified_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Role reads the role metadata field, empty when unset.
func (u *User) Role() string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	return u.Metadata["role"]
}
