package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apascualco/edgeway/internal/domain"
)

// Validator checks RS256 bearer tokens issued by a trusted identity provider.
type Validator struct {
	publicKey      *rsa.PublicKey
	allowedIssuers []string
}

func NewValidator(publicKeyPEM string, allowedIssuers []string) (*Validator, error) {
	pub, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return NewValidatorWithKey(pub, allowedIssuers), nil
}

func NewValidatorWithKey(publicKey *rsa.PublicKey, allowedIssuers []string) *Validator {
	return &Validator{publicKey: publicKey, allowedIssuers: allowedIssuers}
}

func (v *Validator) Validate(tokenString string) (*domain.Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", domain.ErrTokenMalformed, token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, domain.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, domain.ErrTokenNotYetValid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, domain.ErrTokenInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrTokenMalformed
	}

	claims := &domain.Claims{
		Subject: stringClaim(mapClaims, "sub"),
		Email:   stringClaim(mapClaims, "email"),
		Scopes:  scopesClaim(mapClaims),
		Issuer:  stringClaim(mapClaims, "iss"),
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = int64(iat)
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = int64(exp)
	}
	if nbf, ok := mapClaims["nbf"].(float64); ok {
		claims.NotBefore = int64(nbf)
	}

	if err := claims.Valid(); err != nil {
		return nil, err
	}
	if err := claims.ValidateIssuer(v.allowedIssuers); err != nil {
		return nil, err
	}
	return claims, nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(pemStr)))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// scopesClaim accepts both a JSON array and the space separated "scope" form.
func scopesClaim(claims jwt.MapClaims) []string {
	if val, ok := claims["scopes"].([]interface{}); ok {
		result := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	if s := stringClaim(claims, "scope"); s != "" {
		return strings.Fields(s)
	}
	return nil
}

var pemHeaderRe = regexp.MustCompile(`(?i)(-----BEGIN [A-Z ]+-----)`)
var pemFooterRe = regexp.MustCompile(`(?i)(-----END [A-Z ]+-----)`)

// normalizePEM restores line breaks in keys passed through single-line env vars.
func normalizePEM(s string) string {
	if strings.Contains(s, "\n") {
		return s
	}
	s = pemHeaderRe.ReplaceAllString(s, "$1\n")
	s = pemFooterRe.ReplaceAllString(s, "\n$1")
	parts := strings.SplitN(strings.TrimSpace(s), "\n", 3)
	if len(parts) != 3 {
		return s
	}
	body := strings.ReplaceAll(parts[1], " ", "\n")
	return parts[0] + "\n" + body + "\n" + parts[2] + "\n"
}
