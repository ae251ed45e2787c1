package domain

import (
	"fmt"
	"time"
)

// Claims are the fields read from a caller's bearer token.
type Claims struct {
	Subject   string   `json:"sub"`
	Email     string   `json:"email"`
	Scopes    []string `json:"scopes"`
	Issuer    string   `json:"iss"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	NotBefore int64    `json:"nbf,omitempty"`
}

func (c *Claims) Valid() error {
	now := time.Now().Unix()

	if c.ExpiresAt != 0 && now > c.ExpiresAt {
		return ErrTokenExpired
	}

	if c.NotBefore != 0 && now < c.NotBefore {
		return ErrTokenNotYetValid
	}

	if c.Subject == "" {
		return ErrTokenInvalidSubject
	}

	return nil
}

func (c *Claims) ValidateIssuer(allowedIssuers []string) error {
	if len(allowedIssuers) == 0 {
		return nil
	}
	for _, allowed := range allowedIssuers {
		if c.Issuer == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allowed list", ErrTokenIssuerNotAllowed, c.Issuer)
}

func (c *Claims) Identity() *Identity {
	return &Identity{Subject: c.Subject, Email: c.Email, Scopes: c.Scopes}
}

// Identity is the authenticated principal resolved ahead of the pipeline and
// forwarded upstream as X-User-* headers.
type Identity struct {
	Subject string
	Email   string
	Scopes  []string
}

var (
	ErrTokenExpired          = fmt.Errorf("token has expired")
	ErrTokenNotYetValid      = fmt.Errorf("token is not yet valid")
	ErrTokenInvalidSubject   = fmt.Errorf("token has invalid subject")
	ErrTokenIssuerNotAllowed = fmt.Errorf("token issuer not allowed")
	ErrTokenInvalidSignature = fmt.Errorf("token has invalid signature")
	ErrTokenMalformed        = fmt.Errorf("token is malformed")
)
