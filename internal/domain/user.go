// Package domain contains core domain types for the HeysMe backend.
package domain

import (
	"time"
)

// Plan names.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// User mirrors a row of the users table. ID is the auth provider's subject.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Plan        string    `json:"plan"`
	InviteCode  string    `json:"invite_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasRedeemedInvite returns true if the user signed up with an invite code.
func (u *User) HasRedeemedInvite() bool {
	return u.InviteCode != ""
}
