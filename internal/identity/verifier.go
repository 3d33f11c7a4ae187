package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const clockLeeway = 5 * time.Second

// ErrUnauthorizedParty is returned when the azp claim is not an allowed origin.
var ErrUnauthorizedParty = errors.New("token issued for unauthorized party")

// Claims are the Clerk session token claims used by the API.
type Claims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	Email           string `json:"email,omitempty"`
	Username        string `json:"username,omitempty"`
	Name            string `json:"name,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
}

// Verifier checks RS256 Clerk session tokens against a PEM public key.
type Verifier struct {
	key     *rsa.PublicKey
	parties []string
	now     func() time.Time
}

// NewVerifier parses the PEM-encoded public key. An empty parties list
// accepts any azp.
func NewVerifier(pemKey string, parties []string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &Verifier{key: key, parties: parties, now: time.Now}, nil
}

// Verify validates the token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify token: missing sub claim")
	}
	if len(v.parties) > 0 && !slices.Contains(v.parties, claims.AuthorizedParty) {
		return nil, ErrUnauthorizedParty
	}
	return claims, nil
}
