package domain

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Invite redemption failures.
var (
	ErrInviteNotFound        = errors.New("invite code not found")
	ErrInviteExpired         = errors.New("invite code expired")
	ErrInviteExhausted       = errors.New("invite code has no uses left")
	ErrInviteDisabled        = errors.New("invite code disabled")
	ErrInviteAlreadyRedeemed = errors.New("user already redeemed an invite code")
)

// inviteAlphabet omits characters that are easy to confuse (0/O, 1/I/L).
const inviteAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// InviteCode gates sign-up. A code may be used MaxUses times.
type InviteCode struct {
	Code      string     `json:"code"`
	MaxUses   int        `json:"max_uses"`
	UsedCount int        `json:"used_count"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Disabled  bool       `json:"disabled"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Remaining returns how many redemptions are left.
func (c *InviteCode) Remaining() int {
	if n := c.MaxUses - c.UsedCount; n > 0 {
		return n
	}
	return 0
}

// CheckRedeemable returns nil when the code can be redeemed at now.
func (c *InviteCode) CheckRedeemable(now time.Time) error {
	if c.Disabled {
		return ErrInviteDisabled
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrInviteExpired
	}
	if c.Remaining() == 0 {
		return ErrInviteExhausted
	}
	return nil
}

// NormalizeInviteCode trims and upper-cases user input.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateInviteCode returns a random code formatted as XXXX-XXXX.
func GenerateInviteCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(inviteAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		b.WriteByte(inviteAlphabet[n.Int64()])
	}
	return b.String(), nil
}
